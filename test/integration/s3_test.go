package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lucasew/coachsync"
	"github.com/lucasew/coachsync/internal/conditions"
	"github.com/lucasew/coachsync/internal/media"
	"github.com/lucasew/coachsync/internal/remote"
	"github.com/lucasew/coachsync/internal/remote/s3store"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUser     = "coachsync"
	minioPassword = "coachsync-secret"
	bucket        = "videos"
)

// startMinIO returns an endpoint, using COACHSYNC_S3_ENDPOINT when it is set.
func startMinIO(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if endpoint := os.Getenv("COACHSYNC_S3_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd: []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Docker unavailable, skipping: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func newS3Client(t *testing.T, endpoint string) *s3.Client {
	t.Helper()
	cfg, err := awsconfig.LoadDefaultConfig(t.Context(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(minioUser, minioPassword, "")),
	)
	if err != nil {
		t.Fatal(err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	if _, err := client.CreateBucket(t.Context(), &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil &&
		!strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
		t.Fatalf("Failed to create bucket: %v", err)
	}
	return client
}

func TestS3Store(t *testing.T) {
	endpoint := startMinIO(t)
	store := s3store.New(newS3Client(t, endpoint), s3store.Config{KeyPrefix: "it/"})
	ctx := t.Context()

	content := []byte("squat demo video")
	locator, err := store.Put(ctx, bucket, "squat.mp4", bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if locator != store.Locator(bucket, "squat.mp4") {
		t.Errorf("locator %q does not match %q", locator, store.Locator(bucket, "squat.mp4"))
	}

	t.Run("Fetch", func(t *testing.T) {
		var buf bytes.Buffer
		if err := store.Fetch(ctx, locator, remote.Variant{}, &buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf.Bytes(), content) {
			t.Errorf("unexpected content %q", buf.String())
		}
	})

	t.Run("SignedURL", func(t *testing.T) {
		u, err := store.SignedURL(ctx, bucket, "squat.mp4", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.Get(u)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || !bytes.Equal(body, content) {
			t.Errorf("signed url returned %d %q", resp.StatusCode, body)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.Delete(ctx, locator); err != nil {
			t.Fatal(err)
		}
		err := store.Fetch(ctx, locator, remote.Variant{}, io.Discard)
		if !errors.Is(err, coachsync.ErrNotFound) {
			t.Errorf("expected not found after delete, got %v", err)
		}
		if err := store.Delete(ctx, locator); err != nil {
			t.Errorf("deleting a missing object must succeed, got %v", err)
		}
	})
}

func TestClient_MediaOverS3(t *testing.T) {
	endpoint := startMinIO(t)
	newS3Client(t, endpoint)

	store, err := s3store.NewFromConfig(t.Context(), s3store.Config{
		Region:         "us-east-1",
		Endpoint:       endpoint,
		AccessKey:      minioUser,
		SecretKey:      minioPassword,
		KeyPrefix:      "client/",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	opts := coachsync.Defaults()
	opts.StoreKind = "memory"
	opts.CacheDir = t.TempDir()
	opts.Objects = store
	opts.Platform = conditions.NewStaticPlatform(conditions.Online())
	c, err := coachsync.Open(t.Context(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Media().Upload(t.Context(), bucket, "plank.mp4", strings.NewReader("plank")); err != nil {
		t.Fatal(err)
	}
	res, err := c.Resolve(t.Context(), bucket, "plank.mp4", media.ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(res.LocalPath)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hit || string(got) != "plank" {
		t.Errorf("unexpected resource %+v content %q", res, got)
	}
	if err := c.Media().Remove(t.Context(), bucket, "plank.mp4", true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve(t.Context(), bucket, "plank.mp4", media.ResolveOptions{}); err == nil {
		t.Error("expected the removed object to be gone remotely")
	}
}
