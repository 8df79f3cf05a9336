// Package recipients loads campaign launch input from CSV, either inline or
// fetched from S3. The CSV header names the template variables; the first
// column must be "phone".
package recipients

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/models"
)

// ObjectGetter is the slice of the S3 API the importer needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client for the given region.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// FromS3 downloads the object and parses it as a recipient CSV.
func FromS3(ctx context.Context, client ObjectGetter, bucket, key string) ([]models.Recipient, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return FromCSV(out.Body)
}

// FromCSV parses recipient rows. Header row: phone,var1,var2,... Every later
// row yields one recipient with the named variables. Blank phones are
// rejected; short rows leave trailing variables unset.
func FromCSV(r io.Reader) ([]models.Recipient, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) == 0 || strings.ToLower(strings.TrimSpace(header[0])) != "phone" {
		return nil, fmt.Errorf("first csv column must be phone, got %q", strings.Join(header, ","))
	}
	varNames := make([]string, 0, len(header)-1)
	for _, h := range header[1:] {
		varNames = append(varNames, strings.TrimSpace(h))
	}

	var recipients []models.Recipient
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		phone := strings.TrimSpace(record[0])
		if phone == "" {
			return nil, fmt.Errorf("csv line %d: empty phone", line)
		}
		vars := make(map[string]string, len(varNames))
		for i, name := range varNames {
			if i+1 < len(record) {
				vars[name] = strings.TrimSpace(record[i+1])
			}
		}
		recipients = append(recipients, models.Recipient{Phone: phone, Variables: vars})
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("csv contains no recipients")
	}
	return recipients, nil
}
