// Package s3test provides S3 clients for tests: an in-process fake by
// default, or a real endpoint named by BONSAI_TEST_S3_ENDPOINT.
package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Client returns a client, a bucket that exists and is empty, and a
// function that empties the bucket and stops any fake server.
func Client() (*s3.S3, string, func()) {
	var client *s3.S3
	stop := func() {}
	if endpoint := os.Getenv("BONSAI_TEST_S3_ENDPOINT"); endpoint != "" {
		config := aws.Config{
			Credentials: credentials.NewStaticCredentials(
				getEnv("AWS_ACCESS_KEY_ID"),
				getEnv("AWS_SECRET_ACCESS_KEY"),
				os.Getenv("AWS_SESSION_TOKEN"),
			),
			Endpoint:         aws.String(endpoint),
			S3ForcePathStyle: aws.Bool(true),
			// Non-AWS endpoints only need some region.
			Region: aws.String("us-east-1"),
		}
		if region := os.Getenv("AWS_REGION"); region != "" {
			config.Region = aws.String(region)
			config.Endpoint = nil
		}
		sess, err := session.NewSession(&config)
		if err != nil {
			panic(err)
		}
		client = s3.New(sess)
	} else {
		faker := gofakes3.New(s3mem.New())
		ts := httptest.NewServer(faker.Server())
		stop = ts.Close
		sess, err := session.NewSession(&aws.Config{
			Credentials:      credentials.NewStaticCredentials("TEST-ACCESSKEYID", "TEST-SECRETACCESSKEY", ""),
			Endpoint:         aws.String(ts.URL),
			Region:           aws.String("ca-west-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		})
		if err != nil {
			panic(err)
		}
		client = s3.New(sess)
	}

	bucket := os.Getenv("BONSAI_TEST_S3_BUCKET")
	created := bucket == ""
	if created {
		bucket = randBucketName()
		if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: &bucket}); err != nil {
			panic(err)
		}
	} else if err := emptyBucket(client, bucket); err != nil {
		panic(err)
	}

	return client, bucket, func() {
		_ = emptyBucket(client, bucket)
		if created {
			_, _ = client.DeleteBucket(&s3.DeleteBucketInput{Bucket: &bucket})
		}
		stop()
	}
}

func getEnv(key string) string {
	res := os.Getenv(key)
	if res == "" {
		panic(fmt.Sprintf("environment '%s' unset", key))
	}
	return res
}

func randBucketName() string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("bonsai-%s", i)
}

func emptyBucket(s *s3.S3, bucket string) error {
	params := &s3.ListObjectsInput{Bucket: &bucket}
	for {
		objects, err := s.ListObjects(params)
		if err != nil {
			return err
		}
		if len(objects.Contents) == 0 {
			return nil
		}
		ids := make([]*s3.ObjectIdentifier, 0, len(objects.Contents))
		for _, object := range objects.Contents {
			ids = append(ids, &s3.ObjectIdentifier{Key: object.Key})
		}
		_, err = s.DeleteObjects(&s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &s3.Delete{Objects: ids},
		})
		if err != nil {
			return err
		}
		if objects.IsTruncated == nil || !*objects.IsTruncated {
			return nil
		}
		params.Marker = ids[len(ids)-1].Key
	}
}
