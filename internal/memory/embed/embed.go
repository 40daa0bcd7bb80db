// Package embed provides local, CPU-only text embedding inference. No
// remote embedding API is ever called: the model runs in-process via
// onnxruntime_go, with tokenization by sugarme/tokenizer.
package embed

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/blufio/blufio/internal/errs"
)

const (
	// Dimension is the fixed output width of the supported model
	// (an all-MiniLM-L6-v2-equivalent sentence embedding model).
	Dimension = 384

	modelFileName    = "embedding-model.onnx"
	tokenizerFileURL = "tokenizer.json"
	maxSeqLen        = 256
)

// Config configures the Embedder.
type Config struct {
	// ModelDir is where the ONNX model and tokenizer files are cached.
	ModelDir string
	// ModelURL and TokenizerURL are the one-shot download sources used when
	// the artifacts are missing from ModelDir.
	ModelURL     string
	TokenizerURL string
	Logger       *slog.Logger
}

// Embedder produces L2-normalized, fixed-dimension embeddings for text. A
// single *ort.AdvancedSession is reused across calls; onnxruntime serializes
// concurrent Run calls internally, so Embed is safe to call from multiple
// goroutines without external locking beyond what protects the input/output
// tensor buffers.
type Embedder struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	tok       *tokenizer.Tokenizer
	logger    *slog.Logger
	modelPath string
}

// New loads (downloading if necessary) the model and tokenizer from cfg,
// and initializes the ONNX Runtime session. Close must be called to release
// the runtime session.
func New(ctx context.Context, cfg Config) (*Embedder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ModelDir == "" {
		return nil, errs.New(errs.KindConfig, nil, "embed: ModelDir is required")
	}
	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
		return nil, errs.New(errs.KindInternal, err, "create model directory")
	}

	modelPath := filepath.Join(cfg.ModelDir, modelFileName)
	tokenizerPath := filepath.Join(cfg.ModelDir, tokenizerFileURL)

	if err := ensureArtifact(ctx, modelPath, cfg.ModelURL, cfg.Logger); err != nil {
		return nil, err
	}
	if err := ensureArtifact(ctx, tokenizerPath, cfg.TokenizerURL, cfg.Logger); err != nil {
		return nil, err
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errs.New(errs.KindInternal, err, "initialize onnxruntime environment")
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errs.New(errs.KindInternal, err, "create onnxruntime session options")
	}
	defer opts.Destroy()
	// Single-threaded, CPU-only inference per spec: no GPU execution
	// provider is registered and intra-op parallelism is pinned to 1.
	if err := opts.SetIntraOpNumThreads(1); err != nil {
		return nil, errs.New(errs.KindInternal, err, "set onnxruntime thread count")
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, opts)
	if err != nil {
		return nil, errs.New(errs.KindInternal, err, "load onnx model %s", modelPath)
	}

	tok, err := pretrained.FromFile(tokenizerPath)
	if err != nil {
		session.Destroy()
		return nil, errs.New(errs.KindInternal, err, "load tokenizer %s", tokenizerPath)
	}

	return &Embedder{session: session, tok: tok, logger: cfg.Logger, modelPath: modelPath}, nil
}

// Close releases the ONNX Runtime session.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	return nil
}

// Embed encodes a single piece of text into an L2-normalized Dimension-wide
// vector via mean pooling over the model's token embeddings.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc, err := e.tok.EncodeSingle(text, true)
	if err != nil {
		return nil, errs.New(errs.KindInternal, err, "tokenize embedding input")
	}
	ids := enc.Ids
	if len(ids) > maxSeqLen {
		ids = ids[:maxSeqLen]
	}
	seqLen := len(ids)

	inputIDs := make([]int64, seqLen)
	attnMask := make([]int64, seqLen)
	tokenTypes := make([]int64, seqLen)
	for i, id := range ids {
		inputIDs[i] = int64(id)
		attnMask[i] = 1
	}

	shape := ort.NewShape(1, int64(seqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, errs.New(errs.KindInternal, err, "build input_ids tensor")
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attnMask)
	if err != nil {
		return nil, errs.New(errs.KindInternal, err, "build attention_mask tensor")
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, errs.New(errs.KindInternal, err, "build token_type_ids tensor")
	}
	defer typeTensor.Destroy()

	outShape := ort.NewShape(1, int64(seqLen), int64(Dimension))
	outTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, errs.New(errs.KindInternal, err, "allocate output tensor")
	}
	defer outTensor.Destroy()

	if err := e.session.Run(
		[]ort.Value{idsTensor, maskTensor, typeTensor},
		[]ort.Value{outTensor},
	); err != nil {
		return nil, errs.New(errs.KindInternal, err, "run embedding model")
	}

	return meanPoolAndNormalize(outTensor.GetData(), attnMask, seqLen, Dimension), nil
}

// meanPoolAndNormalize averages per-token hidden states weighted by the
// attention mask, then L2-normalizes the result so downstream cosine
// similarity reduces to a plain dot product.
func meanPoolAndNormalize(hidden []float32, mask []int64, seqLen, dim int) []float32 {
	out := make([]float32, dim)
	var count float32
	for t := 0; t < seqLen; t++ {
		if mask[t] == 0 {
			continue
		}
		count++
		base := t * dim
		for d := 0; d < dim; d++ {
			out[d] += hidden[base+d]
		}
	}
	if count == 0 {
		count = 1
	}
	var norm float64
	for d := 0; d < dim; d++ {
		out[d] /= count
		norm += float64(out[d]) * float64(out[d])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out
	}
	for d := 0; d < dim; d++ {
		out[d] = float32(float64(out[d]) / norm)
	}
	return out
}

// ensureArtifact downloads url to path if path doesn't already exist,
// guarded by a sibling ".lock" file so two processes starting at once don't
// both download and corrupt a partially-written artifact.
func ensureArtifact(ctx context.Context, path, url string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	lockPath := path + ".lock"
	lock, err := acquireLock(lockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	// Re-check after acquiring the lock: another process may have finished
	// the download while we were waiting.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	logger.Info("downloading embedding model artifact", "url", url, "path", path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.New(errs.KindInternal, err, "build download request for %s", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errs.New(errs.KindInternal, err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.KindInternal, nil, "download %s: status %d", url, resp.StatusCode)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.New(errs.KindInternal, err, "create temp artifact file")
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return errs.New(errs.KindInternal, err, "write artifact %s", path)
	}
	if err := f.Close(); err != nil {
		return errs.New(errs.KindInternal, err, "close artifact %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.KindInternal, err, "finalize artifact %s", path)
	}
	return nil
}

// fileLock is a simple advisory lock using O_EXCL file creation, spun with a
// short backoff. It is not a true flock(2) and only protects cooperating
// blufio processes sharing a ModelDir, which is all that's needed here.
type fileLock struct {
	path string
}

func acquireLock(path string) (*fileLock, error) {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errs.New(errs.KindInternal, err, "create lock file %s", path)
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.KindInternal, nil, "timed out waiting for lock %s", path)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (l *fileLock) release() {
	_ = os.Remove(l.path)
}
