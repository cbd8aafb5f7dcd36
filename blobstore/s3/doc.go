// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx) // aws-sdk-go-v2/config
//	client := awss3.NewFromConfig(cfg)        // aws-sdk-go-v2/service/s3
//	store := s3.NewStore(client, "my-bucket", "vectors/")
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Multipart uploads for large segments
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
