package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Sidecar renditions written by the analysis handlers. Fixed names keep the
// handlers overwrite-safe across re-executions.
const (
	sidecarTags      = "tags.json"
	sidecarDuplicate = "duplicate.json"
	sidecarUsage     = "usage.json"
)

const defaultDuplicateKey = "assets:sha256"

// DuplicateIndex maps content hashes to the asset that first carried them.
// It lives in Redis so every worker sees the same claims.
type DuplicateIndex struct {
	client *redis.Client
	key    string
}

// NewDuplicateIndex builds an index over the shared hash key.
func NewDuplicateIndex(client *redis.Client) *DuplicateIndex {
	return &DuplicateIndex{client: client, key: defaultDuplicateKey}
}

// Claim registers sum for assetID unless another asset already holds it, and
// returns the owning asset either way. Re-claiming an owned sum is a no-op,
// so crashed scans can rerun safely.
func (ix *DuplicateIndex) Claim(ctx context.Context, sum, assetID string) (string, error) {
	if _, err := ix.client.HSetNX(ctx, ix.key, sum, assetID).Result(); err != nil {
		return "", fmt.Errorf("claim hash: %w", err)
	}
	owner, err := ix.client.HGet(ctx, ix.key, sum).Result()
	if err != nil {
		return "", fmt.Errorf("read hash owner: %w", err)
	}
	return owner, nil
}

type tagSidecar struct {
	AssetID string   `json:"asset_id"`
	Tags    []string `json:"tags"`
}

// AITag labels the original through the vision collaborator and stores the
// result as a tags.json sidecar next to the renditions.
func (h *Handlers) AITag(ctx context.Context, job models.Job) error {
	assetID, err := requireAsset(job)
	if err != nil {
		return err
	}
	data, err := h.assets.Load(ctx, assetID)
	if err != nil {
		return fmt.Errorf("load original: %w", err)
	}

	tags, err := h.tagger.Tags(ctx, assetID, data)
	if err != nil {
		return fmt.Errorf("tag asset: %w", err)
	}
	// Sorted output keeps reruns byte-identical.
	sort.Strings(tags)
	if tags == nil {
		tags = []string{}
	}

	h.log.Debug("asset tagged",
		zap.String("asset_id", assetID),
		zap.Strings("tags", tags),
	)
	return h.saveSidecar(ctx, assetID, sidecarTags, tagSidecar{AssetID: assetID, Tags: tags})
}

type duplicateSidecar struct {
	AssetID     string `json:"asset_id"`
	SHA256      string `json:"sha256"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// DuplicateScan hashes the original and claims the hash in the shared index.
// The first asset to claim a hash owns it; later assets with the same bytes
// are recorded as duplicates of the owner.
func (h *Handlers) DuplicateScan(ctx context.Context, job models.Job) error {
	if h.dup == nil {
		return errors.New("duplicate index not configured")
	}
	assetID, err := requireAsset(job)
	if err != nil {
		return err
	}
	data, err := h.assets.Load(ctx, assetID)
	if err != nil {
		return fmt.Errorf("load original: %w", err)
	}

	digest := sha256.Sum256(data)
	sum := hex.EncodeToString(digest[:])
	owner, err := h.dup.Claim(ctx, sum, assetID)
	if err != nil {
		return err
	}

	sidecar := duplicateSidecar{AssetID: assetID, SHA256: sum}
	if owner != assetID {
		sidecar.DuplicateOf = owner
		h.log.Info("duplicate asset detected",
			zap.String("asset_id", assetID),
			zap.String("duplicate_of", owner),
		)
	}
	return h.saveSidecar(ctx, assetID, sidecarDuplicate, sidecar)
}

type usageSidecar struct {
	AssetID string  `json:"asset_id"`
	Usages  []Usage `json:"usages"`
	InUse   bool    `json:"in_use"`
}

// UsageReconcile asks the usage scanner which content references the asset
// and stores the answer as a usage.json sidecar. Assets with no references
// are candidates for cleanup, but deletion stays an operator decision.
func (h *Handlers) UsageReconcile(ctx context.Context, job models.Job) error {
	assetID, err := requireAsset(job)
	if err != nil {
		return err
	}

	usages, err := h.scanner.Usages(ctx, assetID)
	if err != nil {
		return fmt.Errorf("scan usages: %w", err)
	}
	sort.Slice(usages, func(i, j int) bool {
		if usages[i].ContentID != usages[j].ContentID {
			return usages[i].ContentID < usages[j].ContentID
		}
		return usages[i].Field < usages[j].Field
	})
	if usages == nil {
		usages = []Usage{}
	}

	return h.saveSidecar(ctx, assetID, sidecarUsage, usageSidecar{
		AssetID: assetID,
		Usages:  usages,
		InUse:   len(usages) > 0,
	})
}

func (h *Handlers) saveSidecar(ctx context.Context, assetID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if _, err := h.assets.SaveVariant(ctx, assetID, name, data, "application/json"); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}
