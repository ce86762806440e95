package cursorstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is the etcd v3 backed CursorStore, used for multi-node
// deployments. Offsets are optionally AES-GCM encrypted at rest, on top
// of TLS between this node and etcd.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
	gcm    cipher.AEAD // nil if encryption-at-rest is disabled
}

// EtcdOptions configures EtcdStore.
type EtcdOptions struct {
	Endpoints     []string
	TLS           *tls.Config
	KeyPrefix     string
	EncryptionKey []byte // 16, 24, or 32 bytes; nil disables encryption
	DialTimeout   time.Duration
}

// NewEtcdStore dials etcd per opts.
func NewEtcdStore(opts EtcdOptions) (*EtcdStore, error) {
	var dialTimeout = opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		TLS:         opts.TLS,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing etcd: %w", err)
	}

	var prefix = opts.KeyPrefix
	if prefix == "" {
		prefix = "/federator/cursors/"
	}

	var gcm cipher.AEAD
	if len(opts.EncryptionKey) > 0 {
		block, err := aes.NewCipher(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("initializing cursor encryption: %w", err)
		}
		gcm, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("initializing cursor encryption: %w", err)
		}
	}

	return &EtcdStore{client: client, prefix: prefix, gcm: gcm}, nil
}

func (s *EtcdStore) Get(ctx context.Context, peer, topic string) (int64, bool, error) {
	var resp, err = s.client.Get(ctx, s.prefix+cursorKey(peer, topic))
	if err != nil {
		return 0, false, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}

	plain, err := s.decrypt(resp.Kvs[0].Value)
	if err != nil {
		return 0, false, fmt.Errorf("decrypting cursor: %w", err)
	}
	offset, err := strconv.ParseInt(string(plain), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing cursor value: %w", err)
	}
	return offset, true, nil
}

func (s *EtcdStore) Put(ctx context.Context, peer, topic string, offset int64) error {
	var plain = []byte(strconv.FormatInt(offset, 10))
	cipherBytes, err := s.encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting cursor: %w", err)
	}
	if _, err := s.client.Put(ctx, s.prefix+cursorKey(peer, topic), string(cipherBytes)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) encrypt(plain []byte) ([]byte, error) {
	if s.gcm == nil {
		return plain, nil
	}
	var nonce = make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *EtcdStore) decrypt(data []byte) ([]byte, error) {
	if s.gcm == nil {
		return data, nil
	}
	var nonceSize = s.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce, cipherBytes = data[:nonceSize], data[nonceSize:]
	return s.gcm.Open(nil, nonce, cipherBytes, nil)
}
