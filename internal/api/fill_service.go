package api

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/satgen/internal/codec"
	"github.com/samcharles93/satgen/internal/generation"
	"github.com/samcharles93/satgen/internal/layout"
	"github.com/samcharles93/satgen/internal/logger"
	"github.com/samcharles93/satgen/internal/logits"
	"github.com/samcharles93/satgen/internal/refine"
)

// FillService runs fills against models from a provider.
type FillService struct {
	provider ModelProvider
	codec    codec.ImageCodec
	defaults generation.Config
	log      logger.Logger
	clock    func() time.Time
}

// ServiceOption configures a FillService.
type ServiceOption func(*FillService)

// WithCodec enables full-sequence requests and the default vocabulary limit.
func WithCodec(c codec.ImageCodec) ServiceOption {
	return func(s *FillService) { s.codec = c }
}

// WithDefaults sets the pipeline settings that requests override. The
// layout is always taken from the request.
func WithDefaults(cfg generation.Config) ServiceOption {
	return func(s *FillService) { s.defaults = cfg }
}

func WithLogger(l logger.Logger) ServiceOption {
	return func(s *FillService) { s.log = l }
}

func NewFillService(provider ModelProvider, opts ...ServiceOption) *FillService {
	s := &FillService{
		provider: provider,
		defaults: generation.DefaultConfig(layout.Layout{}),
		log:      logger.Discard(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListModels returns the ids the provider can serve.
func (s *FillService) ListModels() ([]string, error) {
	return s.provider.ListModels()
}

// CreateFill validates req and runs it to completion.
func (s *FillService) CreateFill(ctx context.Context, req *FillRequest) (*FillResponse, error) {
	cfg, err := s.buildConfig(req)
	if err != nil {
		return nil, err
	}
	start := s.clock()

	var res *refine.Result
	err = s.provider.WithModel(ctx, req.Model, func(m refine.Model) error {
		var err error
		if len(req.Sequence) > 0 {
			res, err = generation.Fill2D(ctx, m, s.codec, req.Sequence, cfg)
			return err
		}
		res, err = s.refineOnly(ctx, m, req, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("fill completed",
		"model", req.Model,
		"steps", res.Steps,
		"forced", res.Forced,
		"elapsed", s.clock().Sub(start),
	)
	return &FillResponse{
		Object:    "fill",
		CreatedAt: start.Unix(),
		Model:     req.Model,
		Status:    "completed",
		Sequence:  res.Sequence,
		Steps:     res.Steps,
		Forced:    res.Forced,
		Exhausted: res.Exhausted,
	}, nil
}

func (s *FillService) refineOnly(ctx context.Context, m refine.Model, req *FillRequest, cfg generation.Config) (*refine.Result, error) {
	b, err := layout.Build(req.Prefix, req.Grid, cfg.Layout, cfg.PadID)
	if err != nil {
		return nil, err
	}
	var res *refine.Result
	err = generation.WithAttentionMode(m, generation.ModeSparse2D, func() error {
		var err error
		res, err = refine.Fill(ctx, m, refine.Input{
			Sequence:    b.Sequence,
			PositionIDs: b.PositionIDs,
			Mask:        b.Mask,
		}, cfg.Refine)
		return err
	})
	return res, err
}

func (s *FillService) buildConfig(req *FillRequest) (generation.Config, error) {
	cfg := s.defaults
	cfg.Logger = s.log

	l, err := layout.FromSlice(req.Layout)
	if err != nil {
		return cfg, newInvalidRequest(fmt.Sprintf("layout: %v", err))
	}
	cfg.Layout = l
	cfg.PadID = req.PadID

	switch {
	case len(req.Sequence) > 0 && (len(req.Prefix) > 0 || len(req.Grid) > 0):
		return cfg, newInvalidRequest("sequence and prefix/grid are mutually exclusive")
	case len(req.Sequence) > 0:
		if s.codec == nil {
			return cfg, newInvalidRequest("sequence fills need a server codec; send prefix and grid instead")
		}
	case len(req.Prefix) == 0 || len(req.Grid) == 0:
		return cfg, newInvalidRequest("either sequence or both prefix and grid are required")
	}

	if req.StepBudget != nil {
		cfg.Refine.StepBudget = *req.StepBudget
	}
	if req.TopK != nil {
		cfg.Refine.TopK = *req.TopK
	}
	if req.Seed != nil {
		cfg.Refine.Seed = *req.Seed
		cfg.Stage1.Seed = *req.Seed
	}
	if req.BatchSize != nil {
		if *req.BatchSize <= 0 {
			return cfg, newInvalidRequest(fmt.Sprintf("batch_size must be positive, got %d", *req.BatchSize))
		}
		cfg.Stage1.BatchSize = *req.BatchSize
	}
	switch req.Policy {
	case "", "forced":
		cfg.Refine.Policy = refine.ForcedPolicy{}
	case "confidence":
		cfg.Refine.Policy = refine.DefaultConfidencePolicy()
	default:
		return cfg, newInvalidRequest(fmt.Sprintf("unknown policy %q", req.Policy))
	}
	limit := req.VocabLimit
	if limit == 0 && s.codec != nil {
		limit = s.codec.NumTokens()
	}
	if limit < 0 {
		return cfg, newInvalidRequest(fmt.Sprintf("vocab_limit must not be negative, got %d", limit))
	}
	if limit > 0 {
		cfg.Refine.InvalidRanges = []logits.Range{logits.From(limit)}
	}
	if err := cfg.Refine.Validate(); err != nil {
		return cfg, newInvalidRequest(err.Error())
	}
	return cfg, nil
}
