package applier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/litetable/litetable-db/internal/catalog"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/storageiface"
	"go.mongodb.org/mongo-driver/bson"
)

// missingDocMaxRetries bounds the total number of fetch attempts (the
// first try included) on network failure, backed off quadratically between
// attempts.
const missingDocMaxRetries = 3

// Observer is notified whenever the fetcher inserts a document it fetched
// from upstream.
type Observer interface {
	OnMissingDocumentFetched(ns string, id bson.RawValue)
}

// MissingDocFetcher fetches documents an initial-sync update could not find
// locally from the configured upstream.
type MissingDocFetcher struct {
	source   storageiface.MissingDocSource
	store    storageiface.RecordStore
	catalog  *catalog.Catalog
	observer Observer
	backoff  func(attempt int) time.Duration
}

// FetcherConfig configures a MissingDocFetcher.
type FetcherConfig struct {
	Source   storageiface.MissingDocSource
	Store    storageiface.RecordStore
	Catalog  *catalog.Catalog
	Observer Observer // optional
}

func (c *FetcherConfig) validate() error {
	var errGrp []error
	if c.Source == nil {
		errGrp = append(errGrp, errors.New("missing-document source is required"))
	}
	if c.Store == nil {
		errGrp = append(errGrp, errors.New("record store is required"))
	}
	if c.Catalog == nil {
		errGrp = append(errGrp, errors.New("catalog is required"))
	}
	return errors.Join(errGrp...)
}

// NewFetcher creates a MissingDocFetcher.
func NewFetcher(cfg *FetcherConfig) (*MissingDocFetcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MissingDocFetcher{
		source:   cfg.Source,
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		observer: cfg.Observer,
		backoff:  quadraticBackoff,
	}, nil
}

func quadraticBackoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 50 * time.Millisecond
}

// FetchAndInsert fetches the document an update op could not find locally
// and inserts it: query by UUID if the op carries one, else by namespace;
// skip if the local collection is capped; insert under DB-X lock; notify
// the observer.
func (f *MissingDocFetcher) FetchAndInsert(ctx context.Context, op *oplog.Entry) error {
	id, ok := op.IDElement()
	if !ok {
		return fmt.Errorf("missing-document fetch for %s: op carries no _id", op.NS)
	}

	if f.catalog.IsCapped(op.NS) {
		// Capped evictions may legitimately have removed the document.
		return nil
	}

	var (
		doc   bson.Raw
		found bool
		err   error
	)
	for attempt := 1; attempt <= missingDocMaxRetries; attempt++ {
		if op.UUID != nil {
			if collUUID, uerr := uuid.FromBytes(op.UUID.Data); uerr == nil {
				doc, found, err = f.source.FetchByUUID(ctx, collUUID, id)
			} else {
				doc, found, err = f.source.FetchByNamespace(ctx, op.NS, id)
			}
		} else {
			doc, found, err = f.source.FetchByNamespace(ctx, op.NS, id)
		}
		if err == nil {
			break
		}
		if attempt == missingDocMaxRetries {
			return fmt.Errorf("fetch missing document for %s after %d attempts: %w", op.NS, attempt, err)
		}
		select {
		case <-time.After(f.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !found {
		return nil
	}

	if ierr := f.store.InsertDocuments(ctx, op.NS, []bson.Raw{doc}, op.OpTime.Timestamp, storageiface.ModeX); ierr != nil {
		return fmt.Errorf("insert fetched document into %s: %w", op.NS, ierr)
	}

	if f.observer != nil {
		f.observer.OnMissingDocumentFetched(op.NS, id)
	}
	return nil
}
