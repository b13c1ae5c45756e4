// Package remote defines the collaborators that live on the other side of the network.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrPartialWrite is returned when data was already written to the output before a
	// failure occurred, making fallback to another source unsafe.
	ErrPartialWrite = errors.New("partial write")

	// ErrAllSourcesFailed is returned when no mirror or origin could provide the content.
	ErrAllSourcesFailed = errors.New("all sources failed")

	// ErrInvalidLocator is returned for a locator the store cannot address.
	ErrInvalidLocator = errors.New("invalid locator")
)

// HTTPStatusError is returned when a source responds with an unexpected status code.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Variant selects a rendition of a media object. The zero value is the original.
type Variant struct {
	Quality int
}

// ObjectStore is the remote media store.
type ObjectStore interface {
	// Put uploads the object and returns its locator.
	Put(ctx context.Context, bucket, path string, r io.Reader) (string, error)
	// SignedURL returns a URL granting read access for ttl.
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
	// Locator returns the locator of an object without contacting the store.
	Locator(bucket, path string) string
	// Fetch streams the object identified by locator into out.
	Fetch(ctx context.Context, locator string, v Variant, out io.Writer) error
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, locator string) error
}

// MutationAPI is the remote endpoint of one domain type.
type MutationAPI interface {
	Create(ctx context.Context, payload json.RawMessage) error
	Update(ctx context.Context, payload json.RawMessage) error
	Delete(ctx context.Context, payload json.RawMessage) error
}

// CountingWriter counts the bytes written through it.
type CountingWriter struct {
	Writer io.Writer
	N      int64
}

func (c *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = c.Writer.Write(p)
	c.N += int64(n)
	return n, err
}
