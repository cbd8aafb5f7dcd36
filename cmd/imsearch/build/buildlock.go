package buildcmder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/imsearch/imsearch"
	blobs3 "github.com/imsearch/imsearch/blobstore/s3"
	"github.com/imsearch/imsearch/internal/config"
	"github.com/imsearch/imsearch/internal/ivf"
)

// publishDistributed commits a just-finished build's manifest through
// blobstore/s3's DDBCommitStore instead of trusting the local filesystem
// alone, so two hosts building against the same object-storage-hosted
// corpus (index.lock_table/index.lock_bucket both set) can't silently
// clobber each other's MANIFEST.json. It is a no-op unless both are
// configured; the local manifest written by SaveManifest earlier in run()
// is always authoritative for this host regardless.
//
// Grounded on ddb_commit_store.go's own doc comment describing a
// DynamoDB conditional write as the CURRENT pointer's compare-and-swap:
// this wraps that primitive around ivf.Manifest instead of the generic
// blob names the teacher's version used.
func publishDistributed(ctx context.Context, cfg *config.Config, manifest *ivf.Manifest) error {
	if cfg.Index.LockTable == "" || cfg.Index.LockBucket == "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return imsearch.NewError(imsearch.KindResource, "build.publishDistributed", "loading AWS credentials for distributed build lock", err)
	}

	store := blobs3.NewStore(s3.NewFromConfig(awsCfg), cfg.Index.LockBucket, cfg.Index.LockPrefix)
	baseURI := fmt.Sprintf("s3://%s/%s", cfg.Index.LockBucket, cfg.Index.LockPrefix)
	commitStore := blobs3.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), cfg.Index.LockTable, baseURI)

	data, err := json.Marshal(manifest)
	if err != nil {
		return imsearch.Wrap("build.publishDistributed", err)
	}

	manifestKey := fmt.Sprintf("manifests/%d.json", time.Now().UnixNano())
	if err := commitStore.Put(ctx, manifestKey, data); err != nil {
		return imsearch.NewError(imsearch.KindResource, "build.publishDistributed", "uploading manifest to the shared bucket", err)
	}

	if err := commitStore.Put(ctx, "CURRENT", []byte(manifestKey)); err != nil {
		if errors.Is(err, blobs3.ErrConcurrentModification) {
			return imsearch.NewError(imsearch.KindConflict, "build.publishDistributed", "another host committed a build for this corpus first; re-run build against its output before retrying", err)
		}
		return imsearch.NewError(imsearch.KindResource, "build.publishDistributed", "committing CURRENT pointer", err)
	}
	return nil
}
