package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

// encMagic marks a cookbook upload encrypted client-side before storage.
// Layout: magic(8) + salt(16) + nonce(12) + ciphertext||tag.
const encMagic = "GCM3NCR0"

// Fetcher resolves cookbook file references to bytes. Supported schemes:
// s3://bucket/key, http(s)://, file://path and bare filesystem paths.
type Fetcher struct {
	httpClient *http.Client
	s3Client   *s3.Client
}

// New builds a Fetcher. The S3 client is initialized lazily on first s3:// ref
// so local-only deployments don't need AWS credentials.
func New() *Fetcher {
	return &Fetcher{httpClient: http.DefaultClient}
}

// GetBuffer fetches the referenced file. password is only consulted when the
// payload carries the encryption magic; plaintext files pass through as-is.
func (f *Fetcher) GetBuffer(ctx context.Context, ref, password string) ([]byte, error) {
	// Strip optional #page fragment if present
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "s3://"):
		data, err = f.getS3(ctx, ref)
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		data, err = f.getHTTP(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		data, err = os.ReadFile(strings.TrimPrefix(ref, "file://"))
	default:
		data, err = os.ReadFile(ref)
	}
	if err != nil {
		return nil, err
	}

	if len(data) >= len(encMagic) && string(data[:len(encMagic)]) == encMagic {
		plain, derr := decryptGCM(data, password)
		if derr != nil {
			return nil, fmt.Errorf("decrypt %s: %w", ref, derr)
		}
		log.Debug().Str("ref", ref).Int("size", len(plain)).Msg("decrypted encrypted upload")
		return plain, nil
	}
	return data, nil
}

// GetToTempFile fetches ref and writes it to a temp file with the given
// suffix. Caller removes the file.
func (f *Fetcher) GetToTempFile(ctx context.Context, ref, password, suffix string) (string, error) {
	data, err := f.GetBuffer(ctx, ref, password)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "cookscan-*"+suffix)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (f *Fetcher) getHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func (f *Fetcher) getS3(ctx context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, "s3://")
	slash := strings.Index(path, "/")
	if slash <= 0 {
		return nil, fmt.Errorf("invalid s3 url: %s", ref)
	}
	bucket := path[:slash]
	key := path[slash+1:]

	if f.s3Client == nil {
		cfg, err := awscfg.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		f.s3Client = s3.NewFromConfig(cfg)
	}

	out, err := f.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", ref, err)
	}
	log.Debug().Str("bucket", bucket).Str("key", key).Int("size", len(data)).Msg("downloaded s3 object")
	return data, nil
}

func decryptGCM(data []byte, password string) ([]byte, error) {
	// magic(8) + salt(16) + nonce(12) + ciphertext||tag(>=16)
	if len(data) < 8+16+12+16 {
		return nil, fmt.Errorf("encrypted payload too short: %d bytes", len(data))
	}
	salt := data[8:24]
	nonce := data[24:36]
	ciphertext := data[36:]

	key := pbkdf2.Key([]byte(password), salt, 100000, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm decrypt: %w", err)
	}
	return plain, nil
}
