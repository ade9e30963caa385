package milvus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"knowledge-agent/internal/domain"
)

const (
	fieldText      = "text"
	fieldFileName  = "file_name"
	fieldCategory  = "category"
	fieldEmbedding = "embedding"

	defaultSearchLevel = 1
)

var categoryPattern = regexp.MustCompile(`^[a-z_]+$`)

// searcher is the slice of the Milvus client used by Index.
// client.Client satisfies this interface.
type searcher interface {
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string,
		vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int,
		sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
}

// Embedder turns a query into the vector space of the indexed documents.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index answers passage searches from a Milvus collection of document chunks.
type Index struct {
	api        searcher
	embedder   Embedder
	collection string
	level      int
}

type Option func(*Index)

// WithSearchLevel sets the AUTOINDEX search level. Higher levels trade
// latency for recall.
func WithSearchLevel(level int) Option {
	return func(i *Index) {
		if level > 0 {
			i.level = level
		}
	}
}

func New(api searcher, embedder Embedder, collection string, opts ...Option) (*Index, error) {
	if api == nil {
		return nil, errors.New("milvus: client must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("milvus: embedder must not be nil")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("milvus: collection must not be empty")
	}
	idx := &Index{api: api, embedder: embedder, collection: collection, level: defaultSearchLevel}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// searchError tells the retrieval stage whether a Milvus failure is worth
// retrying.
type searchError struct {
	err       error
	temporary bool
}

func (e *searchError) Error() string   { return "milvus: search: " + e.err.Error() }
func (e *searchError) Unwrap() error   { return e.err }
func (e *searchError) Temporary() bool { return e.temporary }

// permanentMessages are server-side rejections that the SDK reports as plain
// errors rather than gRPC statuses.
var permanentMessages = []string{
	"collection not found", "can't find collection", "not exist", "invalid expression",
	"cannot parse expression", "auth", "permission denied", "invalid parameter",
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.NotFound,
			codes.FailedPrecondition, codes.Unimplemented, codes.OutOfRange, codes.AlreadyExists, codes.Canceled:
			return false
		case codes.Unknown:
			// fall through to the message check
		default:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMessages {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}

// Search embeds the query and returns up to TopK passages with cosine
// similarity scores clamped to [0, 1]. Threshold filtering and ordering are
// left to the caller.
func (i *Index) Search(ctx context.Context, req domain.SearchRequest) ([]domain.Passage, error) {
	if req.TopK <= 0 {
		return nil, fmt.Errorf("milvus: topK must be positive, got %d", req.TopK)
	}
	expr := ""
	if req.Category != "" {
		if !categoryPattern.MatchString(req.Category) {
			return nil, fmt.Errorf("milvus: invalid category %q", req.Category)
		}
		expr = fmt.Sprintf("%s == %q", fieldCategory, req.Category)
	}

	vec, err := i.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("milvus: embed query: %w", err)
	}

	sp, err := entity.NewIndexAUTOINDEXSearchParam(i.level)
	if err != nil {
		return nil, fmt.Errorf("milvus: search params: %w", err)
	}

	results, err := i.api.Search(ctx, i.collection, nil, expr,
		[]string{fieldText, fieldFileName, fieldCategory},
		[]entity.Vector{entity.FloatVector(vec)}, fieldEmbedding, entity.COSINE, req.TopK, sp)
	if err != nil {
		return nil, &searchError{err: err, temporary: retryable(err)}
	}
	if len(results) == 0 {
		return nil, nil
	}
	return toPassages(results[0])
}

func toPassages(res client.SearchResult) ([]domain.Passage, error) {
	texts, err := varcharColumn(res.Fields, fieldText)
	if err != nil {
		return nil, err
	}
	// file_name and category are optional in older collections.
	files, _ := varcharColumn(res.Fields, fieldFileName)
	cats, _ := varcharColumn(res.Fields, fieldCategory)

	passages := make([]domain.Passage, 0, res.ResultCount)
	for n := 0; n < res.ResultCount && n < len(res.Scores); n++ {
		text, err := texts.ValueByIdx(n)
		if err != nil {
			return nil, fmt.Errorf("milvus: read %s: %w", fieldText, err)
		}
		p := domain.Passage{Text: text, Score: clamp(float64(res.Scores[n]))}
		if files != nil {
			p.Source, _ = files.ValueByIdx(n)
		}
		if cats != nil {
			p.Category, _ = cats.ValueByIdx(n)
		}
		if p.Source == "" {
			p.Source = "unknown"
		}
		passages = append(passages, p)
	}
	return passages, nil
}

func varcharColumn(fields client.ResultSet, name string) (*entity.ColumnVarChar, error) {
	col := fields.GetColumn(name)
	if col == nil {
		return nil, fmt.Errorf("milvus: result missing field %q", name)
	}
	vc, ok := col.(*entity.ColumnVarChar)
	if !ok {
		return nil, fmt.Errorf("milvus: field %q is %T, want varchar", name, col)
	}
	return vc, nil
}

func clamp(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

// Config holds the connection settings for Dial.
type Config struct {
	Address  string
	Username string
	Password string
	DBName   string
}

// Dial connects to Milvus. The returned client must be closed by the caller.
func Dial(ctx context.Context, cfg Config) (client.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("milvus: address is required")
	}
	c, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.DBName,
	})
	if err != nil {
		return nil, fmt.Errorf("milvus: connect %s: %w", cfg.Address, err)
	}
	return c, nil
}
