package objstore

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

var sseAlgorithm = "AES256"

// S3 is a Store that keeps objects in an AWS S3 bucket under a prefix.
// Object ids have the form s3://region/bucket/prefix/name.
type S3 struct {
	s3     *s3.S3
	bucket string
	prefix string
}

// NewS3 returns a Store on the given bucket and key prefix.
func NewS3(awsSession *session.Session, bucket, prefix string) *S3 {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return &S3{
		s3:     s3.New(awsSession),
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3) idFromName(name string) string {
	return fmt.Sprintf("s3://%s/%s%s%s", aws.StringValue(s.s3.Config.Region), s.bucket, s.prefix, name)
}

func (s *S3) Put(name string, r io.ReadSeeker, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	path := s.prefix + name
	_, err := s.s3.PutObject(&s3.PutObjectInput{
		Bucket:               &s.bucket,
		Key:                  &path,
		Body:                 r,
		ContentLength:        &size,
		ContentType:          &contentType,
		ServerSideEncryption: &sseAlgorithm,
	})
	if err != nil {
		return "", err
	}
	return s.idFromName(name), nil
}

func (s *S3) SignedURL(id string, expires time.Duration) (string, error) {
	bkt, path, err := parseURI(id)
	if err != nil {
		return "", err
	}
	req, _ := s.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: &bkt,
		Key:    &path,
	})
	return req.Presign(expires)
}

func (s *S3) Delete(id string) error {
	bkt, path, err := parseURI(id)
	if err != nil {
		return err
	}
	_, err = s.s3.DeleteObject(&s3.DeleteObjectInput{
		Bucket: &bkt,
		Key:    &path,
	})
	return err
}

func parseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	p := strings.SplitN(u.Path, "/", 3)
	if len(p) < 3 {
		return "", "", fmt.Errorf("objstore: bad S3 path %s", u.Path)
	}
	return p[1], "/" + p[2], nil
}
