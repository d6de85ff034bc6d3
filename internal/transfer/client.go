// Package transfer fetches encrypted attachment bodies from the relay and
// decrypts them with the per-attachment key.
package transfer

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// KeySize is the length of an attachment key.
const KeySize = 32

// Pointer locates one attachment on the relay.
type Pointer struct {
	ID    int64
	Key   []byte
	Relay string
}

// Observer receives byte counts while a body is copied. Total is -1 when unknown.
type Observer func(transferred, total int64)

// Client retrieves an attachment into dst and returns the decrypted stream.
type Client interface {
	Fetch(ctx context.Context, ptr Pointer, dst afero.File, obs Observer) (io.ReadCloser, error)
}

// HTTPClient talks to the attachment relay over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
}

func NewHTTPClient(baseURL string, timeout time.Duration, maxBytes int64) *HTTPClient {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	if maxBytes == 0 {
		maxBytes = 100 * 1024 * 1024
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Fetch downloads the ciphertext into dst, reporting progress to obs, then
// decrypts it. dst stays owned by the caller.
func (c *HTTPClient) Fetch(ctx context.Context, ptr Pointer, dst afero.File, obs Observer) (io.ReadCloser, error) {
	if len(ptr.Key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidPointer, len(ptr.Key))
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath("v1", "attachments", strconv.FormatInt(ptr.ID, 10))
	if ptr.Relay != "" {
		q := u.Query()
		q.Set("relay", ptr.Relay)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "get attachment", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ResponseError{StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	written, err := copyWithProgress(dst, io.LimitReader(resp.Body, c.maxBytes+1), resp.ContentLength, obs)
	if err != nil {
		return nil, err
	}
	if written > c.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}

	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	sealed, err := io.ReadAll(dst)
	if err != nil {
		return nil, fmt.Errorf("read temp file: %w", err)
	}
	plain, err := Open(ptr.Key, sealed)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, obs Observer) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write temp file: %w", err)
			}
			written += int64(n)
			if obs != nil {
				obs(written, total)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, &NetworkError{Op: "read body", Err: rerr}
		}
	}
}

// Seal encrypts plaintext as nonce|ciphertext with AES-256-GCM.
func Seal(key, plaintext []byte, nonce []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", gcm.NonceSize())
	}
	out := append([]byte(nil), nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any malformed or tampered input yields ErrDecrypt.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: body too short", ErrDecrypt)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidPointer, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

var _ Client = (*HTTPClient)(nil)
