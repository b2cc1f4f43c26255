package s3

import (
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Upload puts one local file into the given bucket under the given key.
// Used for the merged task output; chunk intermediates never leave the
// work directory.
func Upload(filename string, bucketname string, key string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}

	defer file.Close()
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String("us-east-1")},
	)
	if err != nil {
		return err
	}

	uploader := s3manager.NewUploader(sess)
	_, err = uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(bucketname),
		Key:    aws.String(key),
		Body:   file,
	})

	if err != nil {
		return err
	}

	return nil
}
