package addcmder

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func writeTraversalTar(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	content := []byte("gotcha")
	hdr := &tar.Header{
		Name:     "../escaped.txt",
		Typeflag: tar.TypeReg,
		Size:     int64(len(content)),
		Mode:     0o644,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(content)
	return err
}

func TestSplitBucketPrefix(t *testing.T) {
	cases := []struct {
		uri, bucket, prefix string
	}{
		{"mybucket", "mybucket", ""},
		{"mybucket/some/prefix", "mybucket", "some/prefix"},
		{"mybucket/", "mybucket", ""},
	}
	for _, c := range cases {
		bucket, prefix := splitBucketPrefix(c.uri)
		if bucket != c.bucket || prefix != c.prefix {
			t.Errorf("splitBucketPrefix(%q) = (%q, %q), want (%q, %q)", c.uri, bucket, prefix, c.bucket, c.prefix)
		}
	}
}

func TestIsTarPath(t *testing.T) {
	for _, p := range []string{"corpus.tar", "corpus.tar.gz", "corpus.TGZ"} {
		if !isTarPath(p) {
			t.Errorf("isTarPath(%q) = false, want true", p)
		}
	}
	if isTarPath("./photos") {
		t.Error("isTarPath(a directory) = true, want false")
	}
}

func TestOpenSourceLocalDir(t *testing.T) {
	dir := t.TempDir()
	cmd := &cobra.Command{}

	store, cleanup, err := openSource(cmd, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if store == nil {
		t.Fatal("want a non-nil store for a local directory source")
	}
}

func TestOpenSourceMissingS3Bucket(t *testing.T) {
	cmd := &cobra.Command{}
	if _, _, err := openSource(cmd, "s3://"); err == nil {
		t.Fatal("want an error for s3:// with no bucket name")
	}
}

func TestOpenSourceMissingMinioEndpoint(t *testing.T) {
	os.Unsetenv("MINIO_ENDPOINT")
	cmd := &cobra.Command{}
	if _, _, err := openSource(cmd, "minio://bucket/prefix"); err == nil {
		t.Fatal("want an error when MINIO_ENDPOINT is unset")
	}
}

func TestExtractTarRejectsPathTraversal(t *testing.T) {
	// Build a tiny tar with a path-traversal entry and confirm it's skipped
	// rather than escaping the extraction directory.
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "evil.tar")
	if err := writeTraversalTar(tarPath); err != nil {
		t.Fatal(err)
	}

	out, cleanup, err := extractTar(tarPath)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	if _, err := os.Stat(filepath.Join(filepath.Dir(out), "escaped.txt")); err == nil {
		t.Fatal("tar entry escaped the extraction directory")
	}
}
