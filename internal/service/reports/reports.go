// Package reports builds operation reports and optionally archives them.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
)

type Step struct {
	AbilityID   string    `json:"ability_id"`
	Command     string    `json:"command"`
	Status      int       `json:"status"`
	CollectedAt time.Time `json:"collected_at"`
}

type Report struct {
	Operation   domain.Operation  `json:"operation"`
	Adversary   domain.Adversary  `json:"adversary"`
	Facts       []domain.Fact     `json:"facts"`
	Steps       map[string][]Step `json:"steps"`
	GeneratedAt time.Time         `json:"generated_at"`
	ArchiveKey  string            `json:"archive_key,omitempty"`
}

type Sources struct {
	Operations interface {
		LookupOperations(ctx context.Context, id string) ([]domain.Operation, error)
	}
	Adversaries interface {
		GetAdversary(ctx context.Context, id string) (domain.Adversary, error)
	}
	Facts interface {
		ListFacts(ctx context.Context, criteria repo.Criteria) ([]domain.Fact, error)
	}
	Results interface {
		ListResults(ctx context.Context, criteria repo.Criteria) ([]domain.Result, error)
	}
}

func (s Sources) validate() error {
	if s.Operations == nil || s.Adversaries == nil || s.Facts == nil || s.Results == nil {
		return errors.New("report sources are incomplete")
	}
	return nil
}

type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive writes report JSON into a bucket.
type Archive struct {
	client ObjectPutter
	bucket string
}

func NewArchive(client ObjectPutter, bucket string) (*Archive, error) {
	if client == nil {
		return nil, errors.New("object store client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archive{client: client, bucket: bucket}, nil
}

func ObjectKey(operationID string, at time.Time) string {
	return fmt.Sprintf("operations/%s/report-%d.json", operationID, at.Unix())
}

func (a *Archive) Put(ctx context.Context, key string, blob []byte) error {
	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := a.client.PutObject(
		putCtx,
		a.bucket,
		key,
		bytes.NewReader(blob),
		int64(len(blob)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("put report %s: %w", key, err)
	}
	return nil
}

type Generator struct {
	sources Sources
	archive *Archive
	now     func() time.Time
}

// NewGenerator returns a generator; archive may be nil.
func NewGenerator(sources Sources, archive *Archive) (*Generator, error) {
	if err := sources.validate(); err != nil {
		return nil, err
	}
	return &Generator{
		sources: sources,
		archive: archive,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (g *Generator) Generate(ctx context.Context, operationID string) (Report, error) {
	id := strings.TrimSpace(operationID)
	if id == "" {
		return Report{}, fmt.Errorf("operation id is required: %w", repo.ErrNotFound)
	}
	ops, err := g.sources.Operations.LookupOperations(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("lookup operation: %w", err)
	}
	if len(ops) != 1 {
		return Report{}, fmt.Errorf("operation %s: %w", id, repo.ErrNotFound)
	}
	op := ops[0]

	adversary, err := g.sources.Adversaries.GetAdversary(ctx, op.AdversaryID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		adversary = domain.Adversary{ID: op.AdversaryID}
	default:
		return Report{}, fmt.Errorf("load adversary: %w", err)
	}

	facts := []domain.Fact{}
	if op.SourceID != "" {
		facts, err = g.sources.Facts.ListFacts(ctx, repo.Criteria{"source_id": op.SourceID})
		if err != nil {
			return Report{}, fmt.Errorf("list facts: %w", err)
		}
	}

	results, err := g.sources.Results.ListResults(ctx, repo.Criteria{"operation_id": id})
	if err != nil {
		return Report{}, fmt.Errorf("list results: %w", err)
	}

	report := Report{
		Operation:   op,
		Adversary:   adversary,
		Facts:       facts,
		Steps:       stepsByAgent(results),
		GeneratedAt: g.now(),
	}

	if g.archive != nil {
		key := ObjectKey(id, report.GeneratedAt)
		report.ArchiveKey = key
		blob, err := json.Marshal(report)
		if err != nil {
			return Report{}, fmt.Errorf("marshal report: %w", err)
		}
		if err := g.archive.Put(ctx, key, blob); err != nil {
			return Report{}, err
		}
	}
	return report, nil
}

func stepsByAgent(results []domain.Result) map[string][]Step {
	out := make(map[string][]Step)
	for _, res := range results {
		out[res.Paw] = append(out[res.Paw], Step{
			AbilityID:   res.AbilityID,
			Command:     res.Command,
			Status:      res.Status,
			CollectedAt: res.CollectedAt,
		})
	}
	for paw := range out {
		steps := out[paw]
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].CollectedAt.Before(steps[j].CollectedAt) })
	}
	return out
}
