package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironkeep/blob"
	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/storage"
)

const defaultContentType = "application/octet-stream"

// Document is the public view of a sealed document.
type Document struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// SealDocument encrypts plaintext under a fresh document key, stores the
// ciphertext in the blob store and the document key, wrapped under a key
// derived from the vault key, in the repository.
func (s *Session) SealDocument(ctx context.Context, docID string, plaintext []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := s.vault
	if v.blobs == nil {
		return ErrNoBlobStore
	}
	if err := validateID(docID, "document ID"); err != nil {
		return err
	}
	if len(plaintext) > MaxDocumentSize {
		return validationErrorf("document size %d exceeds maximum of %d bytes", len(plaintext), MaxDocumentSize)
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	return s.withKey(func(vaultKey []byte) error {
		dek, err := util.NewAESKey()
		if err != nil {
			return err
		}
		defer util.WipeBytes(dek)

		ciphertext, err := util.EncryptAESWithAAD(plaintext, dek, icrypto.AADDocument(v.id, docID, formatVersion))
		if err != nil {
			return err
		}
		wrapKey, err := icrypto.DeriveDocumentWrapKey(vaultKey, v.id)
		if err != nil {
			return err
		}
		defer util.WipeBytes(wrapKey)
		w, err := crypto.Wrap(dek, wrapKey, icrypto.AADDocumentKey(v.id, docID, formatVersion))
		if err != nil {
			return err
		}
		meta := documentMeta{
			DocID:       docID,
			BlobKey:     blob.Key(v.id, docID),
			ContentType: contentType,
			Size:        len(plaintext),
			CreatedAt:   v.now().UTC(),
		}
		env, err := wrappedEnvelope(w, meta, v.nextVersion(RecordTypeDocument, docID))
		if err != nil {
			return err
		}

		if err := v.blobs.Put(ctx, meta.BlobKey, ciphertext); err != nil {
			return fmt.Errorf("storing document blob: %w", err)
		}
		if err := v.repo.Put(v.id, RecordTypeDocument, docID, env); err != nil {
			return fmt.Errorf("storing document key: %w", err)
		}
		v.logger.Debug("document sealed", "vault_id", v.id, "doc_id", docID, "size", len(plaintext))
		return nil
	})
}

// OpenDocument fetches and decrypts a document. It returns the plaintext
// and its content type.
func (s *Session) OpenDocument(ctx context.Context, docID string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	v := s.vault
	if v.blobs == nil {
		return nil, "", ErrNoBlobStore
	}
	var (
		plaintext   []byte
		contentType string
	)
	err := s.withKey(func(vaultKey []byte) error {
		env, meta, err := v.loadDocument(docID)
		if err != nil {
			return err
		}
		wrapKey, err := icrypto.DeriveDocumentWrapKey(vaultKey, v.id)
		if err != nil {
			return err
		}
		defer util.WipeBytes(wrapKey)
		dek, err := crypto.Unwrap(envelopeWrapped(env), wrapKey, icrypto.AADDocumentKey(v.id, docID, formatVersion))
		if err != nil {
			return v.integrity(RecordTypeDocument, docID, err)
		}
		defer util.WipeBytes(dek)

		ciphertext, err := v.blobs.Get(ctx, meta.BlobKey)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return v.missing(RecordTypeDocument, docID, err)
			}
			return fmt.Errorf("fetching document blob: %w", err)
		}
		plaintext, err = util.DecryptAESWithAAD(ciphertext, dek, icrypto.AADDocument(v.id, docID, formatVersion))
		if err != nil {
			return v.integrity(RecordTypeDocument, docID, err)
		}
		contentType = meta.ContentType
		return nil
	})
	return plaintext, contentType, err
}

// DeleteDocument removes a document's blob and key record.
func (s *Session) DeleteDocument(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := s.vault
	if v.blobs == nil {
		return ErrNoBlobStore
	}
	return s.withKey(func([]byte) error {
		_, meta, err := v.loadDocument(docID)
		if err != nil {
			return err
		}
		if err := v.blobs.Delete(ctx, meta.BlobKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("deleting document blob: %w", err)
		}
		return v.repo.Delete(v.id, RecordTypeDocument, docID)
	})
}

// Documents lists the vault's sealed documents.
func (s *Session) Documents(ctx context.Context) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Document
	err := s.withKey(func([]byte) error {
		ids, err := s.vault.repo.List(s.vault.id, RecordTypeDocument)
		if err != nil {
			return err
		}
		out = make([]Document, 0, len(ids))
		for _, id := range ids {
			_, meta, err := s.vault.loadDocument(id)
			if err != nil {
				if errors.Is(err, ErrDocumentNotFound) {
					continue
				}
				return err
			}
			out = append(out, Document{ID: meta.DocID, ContentType: meta.ContentType, Size: meta.Size, CreatedAt: meta.CreatedAt})
		}
		return nil
	})
	return out, err
}

func (v *Vault) loadDocument(docID string) (*storage.Envelope, documentMeta, error) {
	var meta documentMeta
	env, err := v.repo.Get(v.id, RecordTypeDocument, docID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, meta, ErrDocumentNotFound
		}
		return nil, meta, err
	}
	if err := decodeMeta(env, &meta); err != nil {
		return nil, meta, v.integrity(RecordTypeDocument, docID, err)
	}
	return env, meta, nil
}
