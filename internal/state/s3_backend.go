package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	// AccountIDPlaceholder in a bucket name is replaced by the master account id.
	AccountIDPlaceholder = "${AWS::AccountId}"

	DefaultBucketName = "organization-formation-" + AccountIDPlaceholder
	DefaultObjectKey  = "state.json"
	DefaultRegion     = "us-east-1"
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type dynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// s3Backend stores the state document in S3 with optional DynamoDB locking.
type s3Backend struct {
	bucketTemplate string
	key            string
	region         string
	dynamoDBTable  string
	encrypt        bool
	profile        string

	cipher   *Cipher
	s3Client s3API
	dbClient dynamoDBAPI
	stsAPI   stsAPI

	masterAccountID string
	bucket          string
	lockID          string
}

func newS3Backend(ctx context.Context, config map[string]string, cipher *Cipher) (Backend, error) {
	b, err := s3BackendFromConfig(config, cipher)
	if err != nil {
		return nil, err
	}
	if err := b.initClients(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	return b, nil
}

func s3BackendFromConfig(config map[string]string, cipher *Cipher) (*s3Backend, error) {
	bucket := config[ConfigBucket]
	if bucket == "" {
		bucket = DefaultBucketName
	}
	key := config[ConfigKey]
	if key == "" {
		key = DefaultObjectKey
	}
	region := config[ConfigRegion]
	if region == "" {
		region = DefaultRegion
	}

	return &s3Backend{
		bucketTemplate:  bucket,
		key:             key,
		region:          region,
		dynamoDBTable:   config[ConfigLockTable],
		encrypt:         configBool(config, ConfigEncrypt),
		profile:         config[ConfigProfile],
		masterAccountID: config[ConfigMasterAccountID],
		cipher:          cipher,
	}, nil
}

func (b *s3Backend) initClients(ctx context.Context) error {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(b.region))
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)
	b.stsAPI = sts.NewFromConfig(cfg)
	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	}
	return nil
}

// resolve determines the master account id and the concrete bucket name.
func (b *s3Backend) resolve(ctx context.Context) error {
	if b.bucket != "" {
		return nil
	}
	if b.masterAccountID == "" {
		out, err := b.stsAPI.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return fmt.Errorf("failed to determine master account id: %w", err)
		}
		b.masterAccountID = aws.ToString(out.Account)
	}
	b.bucket = strings.ReplaceAll(b.bucketTemplate, AccountIDPlaceholder, b.masterAccountID)
	return nil
}

func (b *s3Backend) Location() string {
	bucket := b.bucket
	if bucket == "" {
		bucket = b.bucketTemplate
	}
	return fmt.Sprintf("s3://%s/%s", bucket, b.key)
}

func (b *s3Backend) Read(ctx context.Context) (*State, error) {
	if err := b.resolve(ctx); err != nil {
		return nil, err
	}

	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		if isNotFound(err) {
			return NewEmpty(b.masterAccountID), nil
		}
		return nil, fmt.Errorf("failed to read state from %s: %w", b.Location(), err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	content, err := b.cipher.Open(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt remote state: %w", err)
	}

	st, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state %s: %w", b.Location(), err)
	}
	if err := checkMasterAccount(st, b.masterAccountID); err != nil {
		return nil, err
	}
	return st, nil
}

func (b *s3Backend) Write(ctx context.Context, state *State) error {
	if err := b.resolve(ctx); err != nil {
		return err
	}

	data, commit, err := state.prepareWrite()
	if err != nil {
		return err
	}
	sealed, err := b.cipher.Seal(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(sealed),
		ContentType: aws.String("application/json"),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to %s: %w", b.Location(), err)
	}
	commit()
	return nil
}

func (b *s3Backend) Lock(ctx context.Context) error {
	if b.dynamoDBTable == "" {
		return nil // No locking without DynamoDB
	}
	if err := b.resolve(ctx); err != nil {
		return err
	}

	b.lockID = fmt.Sprintf("orgform-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
			"Info":    &dbtypes.AttributeValueMemberS{Value: b.lockID},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) || strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("state is locked by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q", b.lockKey(), b.dynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (b *s3Backend) Unlock(ctx context.Context) error {
	if b.dynamoDBTable == "" {
		return nil
	}

	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
		},
		ConditionExpression: aws.String("Info = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: b.lockID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (b *s3Backend) lockKey() string {
	return b.bucket + "/" + b.key
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// Also handle 404 via the error message for S3 API variations
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "StatusCode: 404")
}

func checkMasterAccount(st *State, masterAccountID string) error {
	if got := st.MasterAccountID(); got != "" && masterAccountID != "" && got != masterAccountID {
		return fmt.Errorf("state belongs to master account %s, not %s", got, masterAccountID)
	}
	st.AdoptMasterAccount(masterAccountID)
	return nil
}
