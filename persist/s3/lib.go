// Package s3 stores snapshot blobs as S3 objects.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jrhy/bonsai"
)

// S3Interface is the part of the S3 client Persist uses.
type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

var _ bonsai.Persist = (*Persist)(nil)

// Persist implements bonsai.Persist on an S3 bucket. Blobs are immutable,
// so recently stored or loaded ones are served from an LRU cache.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string

	mu  sync.Mutex
	lru *simplelru.LRU
}

// DefaultCacheSize is the number of blobs NewPersist keeps in memory.
const DefaultCacheSize = 64

// NewPersist returns a Persist keeping objects under prefix in bucketName.
func NewPersist(client S3Interface, bucketName, prefix string) *Persist {
	return NewPersistWithCache(client, bucketName, prefix, DefaultCacheSize)
}

// NewPersistWithCache is NewPersist with a cache of cacheSize blobs.
func NewPersistWithCache(client S3Interface, bucketName, prefix string, cacheSize int) *Persist {
	lru, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		panic(err)
	}
	return &Persist{s3: client, BucketName: bucketName, Prefix: prefix, lru: lru}
}

func (p *Persist) cached(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.lru.Get(name)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (p *Persist) remember(name string, b []byte) {
	p.mu.Lock()
	p.lru.Add(name, b)
	p.mu.Unlock()
}

// Load returns the named object's bytes.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	if b, ok := p.cached(name); ok {
		return b, nil
	}
	output, err := p.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	p.remember(name, b)
	return b, nil
}

// Store uploads b as the named object unless it was recently stored or
// loaded.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	if _, ok := p.cached(name); ok {
		return nil
	}
	_, err := p.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
		Body:   bytes.NewReader(b),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	p.remember(name, append([]byte(nil), b...))
	return nil
}
