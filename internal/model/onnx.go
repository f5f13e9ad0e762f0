package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	ort "github.com/yalue/onnxruntime_go"
)

// Severity predictions are clamped to this range in currency units.
const (
	MinSeverity = 1000.0
	MaxSeverity = 50000.0
)

const (
	defaultFrequencyFile = "frequency.onnx"
	defaultSeverityFile  = "severity.onnx"
	featureNamesFile     = "feature_names.json"

	inputName       = "features"
	probabilityName = "probability"
	severityName    = "severity"
)

// inferFunc runs both graphs over one feature vector.
type inferFunc func(vec []float32) (probability, severity float32, err error)

// ONNXProvider scores features in-process with a frequency classifier and a
// severity regressor exported to ONNX.
type ONNXProvider struct {
	features []domain.FeatureName
	version  string
	infer    inferFunc
	close    func() error
}

// onnxSession holds one graph with preallocated tensors.
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// LoadONNXProvider initializes the runtime and loads both graphs from the bundle directory.
func LoadONNXProvider(cfg domain.ModelConfig) (*ONNXProvider, error) {
	if cfg.BundleDir == "" {
		return nil, errors.New("model bundle_dir is empty")
	}

	libPath := resolveSharedLibraryPath(cfg.BundleDir)
	if libPath == "" {
		return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	names, err := loadFeatureNames(filepath.Join(cfg.BundleDir, featureNamesFile))
	if err != nil {
		return nil, fmt.Errorf("load feature names: %w", err)
	}

	frequencyFile := cfg.FrequencyModelFile
	if frequencyFile == "" {
		frequencyFile = defaultFrequencyFile
	}
	severityFile := cfg.SeverityModelFile
	if severityFile == "" {
		severityFile = defaultSeverityFile
	}

	frequency, err := newONNXSession(filepath.Join(cfg.BundleDir, frequencyFile), len(names), probabilityName)
	if err != nil {
		return nil, fmt.Errorf("load frequency model: %w", err)
	}
	severity, err := newONNXSession(filepath.Join(cfg.BundleDir, severityFile), len(names), severityName)
	if err != nil {
		frequency.destroy()
		return nil, fmt.Errorf("load severity model: %w", err)
	}

	version := cfg.Version
	if version == "" {
		version = filepath.Base(filepath.Clean(cfg.BundleDir))
	}

	var mu sync.Mutex
	infer := func(vec []float32) (float32, float32, error) {
		mu.Lock()
		defer mu.Unlock()

		p, err := frequency.run(vec)
		if err != nil {
			return 0, 0, fmt.Errorf("frequency model: %w", err)
		}
		s, err := severity.run(vec)
		if err != nil {
			return 0, 0, fmt.Errorf("severity model: %w", err)
		}
		return p, s, nil
	}

	closeFn := func() error {
		frequency.destroy()
		severity.destroy()
		return nil
	}

	return newONNXProvider(names, version, infer, closeFn), nil
}

func newONNXProvider(names []domain.FeatureName, version string, infer inferFunc, closeFn func() error) *ONNXProvider {
	return &ONNXProvider{features: names, version: version, infer: infer, close: closeFn}
}

func newONNXSession(path string, width int, outputName string) (*onnxSession, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", path, err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(width)))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxSession{session: session, input: input, output: output}, nil
}

func (s *onnxSession) run(vec []float32) (float32, error) {
	copy(s.input.GetData(), vec)
	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("onnx run: %w", err)
	}
	return s.output.GetData()[0], nil
}

func (s *onnxSession) destroy() {
	_ = s.session.Destroy()
	_ = s.input.Destroy()
	_ = s.output.Destroy()
}

// ModelOutput runs inference over the subject's features.
// The ONNX graphs need features, so a subject without them is ModelNotAvailable.
func (p *ONNXProvider) ModelOutput(ctx context.Context, subject domain.Subject, features *domain.TripFeatures, asOf time.Time) (*domain.ModelOutput, error) {
	if features == nil {
		return nil, unavailable(subject, "no features to run the model on")
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(subject, "inference cancelled").Wrap(err)
	}

	prob, sev, err := p.infer(p.vector(features))
	if err != nil {
		return nil, unavailable(subject, "inference failed").Wrap(err)
	}

	probability := float64(prob)
	severity := float64(sev)
	if !finite(probability) || !finite(severity) {
		return nil, unavailable(subject, "model produced a non-finite estimate")
	}

	return &domain.ModelOutput{
		ClaimProbability: math.Min(math.Max(probability, 0), 1),
		ClaimSeverity:    ClampSeverity(severity),
		ModelVersion:     p.version,
		GeneratedAt:      asOf,
	}, nil
}

// Version returns the model bundle version.
func (p *ONNXProvider) Version() string { return p.version }

// Close releases the ONNX sessions.
func (p *ONNXProvider) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// vector orders features as the bundle expects. Unknown names become zero.
func (p *ONNXProvider) vector(f *domain.TripFeatures) []float32 {
	vec := make([]float32, len(p.features))
	for i, name := range p.features {
		if v, ok := f.Value(name); ok {
			vec[i] = float32(v)
		}
	}
	return vec
}

// ClampSeverity bounds a severity prediction to [MinSeverity, MaxSeverity].
func ClampSeverity(v float64) float64 {
	return math.Min(math.Max(v, MinSeverity), MaxSeverity)
}

func loadFeatureNames(path string) ([]domain.FeatureName, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s lists no features", path)
	}
	names := make([]domain.FeatureName, len(raw))
	for i, n := range raw {
		names[i] = domain.FeatureName(strings.TrimSpace(n))
	}
	return names, nil
}

func resolveSharedLibraryPath(bundleDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		bundleDir,
		filepath.Join(bundleDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
