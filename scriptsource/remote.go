// Package scriptsource implements the Include capability (§4.3/§4.6) for
// scripts that live in object storage rather than on local disk: a
// shared, organization-wide library of ":global" includes. Resolving an
// include name to a local path is the cache's contract (§4.2); this
// package is one way to produce that path when the name isn't already a
// file.
package scriptsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"
)

// Getter is the subset of the S3 client this package needs, so callers
// can supply a mock in tests instead of a live aws-sdk-go-v2 client.
type Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source fetches named remote scripts into a local content-addressed
// cache directory, so the Bytecode Cache's inode dedup (§4.2) naturally
// merges two different names that resolve to identical bytes.
type Source struct {
	client   Getter
	bucket   string
	prefix   string
	cacheDir string

	group singleflight.Group
}

// New returns a Source reading objects under prefix in bucket, writing
// fetched blobs beneath cacheDir.
func New(client Getter, bucket, prefix, cacheDir string) *Source {
	return &Source{client: client, bucket: bucket, prefix: prefix, cacheDir: cacheDir}
}

// Resolve fetches the named remote script (deduplicating concurrent
// fetches of the same name via singleflight) and returns the local path
// of its content-addressed copy, ready for cache.Handle.Load.
func (s *Source) Resolve(ctx context.Context, name string) (string, error) {
	path, err, _ := s.group.Do(name, func() (interface{}, error) {
		return s.fetch(ctx, name)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (s *Source) fetch(ctx context.Context, name string) (string, error) {
	key := s.prefix + name
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("scriptsource: fetch %s: %w", key, err)
	}
	defer out.Body.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := out.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	sum := blake3.Sum256(buf)
	localName := fmt.Sprintf("%x.sieve", sum)
	localPath := filepath.Join(s.cacheDir, localName)

	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("scriptsource: mkdir %s: %w", s.cacheDir, err)
	}
	tmp := localPath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return "", fmt.Errorf("scriptsource: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return "", fmt.Errorf("scriptsource: rename %s: %w", tmp, err)
	}
	return localPath, nil
}

// NamespaceClaims is the JWT payload scoping which remote script
// namespace (prefix) a bearer token may include from, since S3 itself
// has no per-tenant ACL this package can rely on.
type NamespaceClaims struct {
	jwt.RegisteredClaims
	Namespace string `json:"namespace"`
}

// VerifyNamespace parses and validates tokenString with key, returning
// the namespace it authorizes. Expired or malformed tokens, or ones
// signed with the wrong key, are rejected outright.
func VerifyNamespace(tokenString string, key []byte) (string, error) {
	claims := &NamespaceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("scriptsource: unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("scriptsource: invalid token: %w", err)
	}
	return claims.Namespace, nil
}
