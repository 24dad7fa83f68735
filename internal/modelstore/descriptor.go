package modelstore

import (
	"fmt"
	"strings"
)

type ModelName string

const (
	ModelWhisperTurbo         ModelName = "whisper-turbo"
	ModelLiteWhisperTurbo     ModelName = "lite-whisper-turbo"
	ModelLiteWhisperTurboFast ModelName = "lite-whisper-turbo-fast"
)

type Quantization string

const (
	QuantFull      Quantization = "full"
	QuantQuantized Quantization = "quantized"
)

type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Format selects the on-disk weight family. The whispercpp backend loads
// GGML single-file weights; the exec backend works against the ONNX export.
type Format string

const (
	FormatGGML Format = "ggml"
	FormatONNX Format = "onnx"
)

// Descriptor is the immutable identity of a requested model. Language and
// task are inference parameters; the asset set depends on name and
// quantization only.
type Descriptor struct {
	Name         ModelName
	Quantization Quantization
	Language     string
	Task         Task
}

// NewDescriptor validates the combination against the supported matrix.
func NewDescriptor(name, quantization, language, task string) (Descriptor, error) {
	d := Descriptor{
		Name:         ModelName(name),
		Quantization: Quantization(quantization),
		Language:     strings.TrimSpace(language),
		Task:         Task(task),
	}
	if d.Language == "" {
		d.Language = "auto"
	}

	switch d.Name {
	case ModelWhisperTurbo, ModelLiteWhisperTurbo, ModelLiteWhisperTurboFast:
	default:
		return Descriptor{}, fmt.Errorf("unknown model name %q", name)
	}
	switch d.Quantization {
	case QuantFull, QuantQuantized:
	default:
		return Descriptor{}, fmt.Errorf("unknown quantization %q", quantization)
	}
	switch d.Task {
	case TaskTranscribe, TaskTranslate:
	default:
		return Descriptor{}, fmt.Errorf("unknown task %q", task)
	}
	return d, nil
}

// Key is the cache identity for the descriptor's assets.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s-%s", d.Name, d.Quantization)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s lang=%s task=%s", d.Name, d.Quantization, d.Language, d.Task)
}

// AssetFile names one required download: Local is the path inside the cache
// entry, Remote the repository-relative path it is fetched from.
type AssetFile struct {
	Local  string
	Remote string
}

const (
	ggmlRepo              = "ggerganov/whisper.cpp"
	onnxRepoTurbo         = "onnx-community/whisper-large-v3-turbo"
	onnxRepoLiteTurbo     = "onnx-community/lite-whisper-large-v3-turbo-ONNX"
	onnxRepoLiteTurboFast = "onnx-community/lite-whisper-large-v3-turbo-fast-ONNX"
)

// onnxSidecars are the tokenizer/config files every ONNX export needs.
var onnxSidecars = []string{
	"config.json",
	"generation_config.json",
	"preprocessor_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"added_tokens.json",
	"vocab.json",
	"merges.txt",
	"normalizer.json",
}

// Repo returns the upstream repository holding the weights for the format.
func (d Descriptor) Repo(format Format) (string, error) {
	switch format {
	case FormatGGML:
		if d.Name != ModelWhisperTurbo {
			return "", fmt.Errorf("model %q has no ggml weights; use the onnx format", d.Name)
		}
		return ggmlRepo, nil
	case FormatONNX:
		switch d.Name {
		case ModelWhisperTurbo:
			return onnxRepoTurbo, nil
		case ModelLiteWhisperTurbo:
			return onnxRepoLiteTurbo, nil
		case ModelLiteWhisperTurboFast:
			return onnxRepoLiteTurboFast, nil
		}
	}
	return "", fmt.Errorf("unknown model format %q", format)
}

// Assets lists every file the descriptor needs in the given format. The
// first entry is the primary weight file.
func (d Descriptor) Assets(format Format) ([]AssetFile, error) {
	if _, err := d.Repo(format); err != nil {
		return nil, err
	}

	switch format {
	case FormatGGML:
		name := "ggml-large-v3-turbo.bin"
		if d.Quantization == QuantQuantized {
			name = "ggml-large-v3-turbo-q5_0.bin"
		}
		return []AssetFile{{Local: name, Remote: name}}, nil

	case FormatONNX:
		suffix := ""
		if d.Quantization == QuantQuantized {
			suffix = "_quantized"
		}
		files := []AssetFile{
			{Local: "onnx/encoder_model" + suffix + ".onnx", Remote: "onnx/encoder_model" + suffix + ".onnx"},
			{Local: "onnx/decoder_model" + suffix + ".onnx", Remote: "onnx/decoder_model" + suffix + ".onnx"},
			{Local: "onnx/decoder_with_past_model" + suffix + ".onnx", Remote: "onnx/decoder_with_past_model" + suffix + ".onnx"},
		}
		if d.Quantization == QuantFull && d.Name == ModelWhisperTurbo {
			// The full turbo encoder keeps its weights in an external data file.
			files = append(files, AssetFile{Local: "onnx/encoder_model.onnx_data", Remote: "onnx/encoder_model.onnx_data"})
		}
		for _, sidecar := range onnxSidecars {
			files = append(files, AssetFile{Local: sidecar, Remote: sidecar})
		}
		return files, nil
	}
	return nil, fmt.Errorf("unknown model format %q", format)
}

// DownloadSizeMB is the approximate total download size, for display.
func (d Descriptor) DownloadSizeMB(format Format) int {
	type sizeKey struct {
		name  ModelName
		quant Quantization
	}
	var table map[sizeKey]int
	switch format {
	case FormatGGML:
		table = map[sizeKey]int{
			{ModelWhisperTurbo, QuantFull}:      1620,
			{ModelWhisperTurbo, QuantQuantized}: 574,
		}
	default:
		table = map[sizeKey]int{
			{ModelWhisperTurbo, QuantFull}:              1550,
			{ModelWhisperTurbo, QuantQuantized}:         800,
			{ModelLiteWhisperTurbo, QuantFull}:          1200,
			{ModelLiteWhisperTurbo, QuantQuantized}:     600,
			{ModelLiteWhisperTurboFast, QuantFull}:      800,
			{ModelLiteWhisperTurboFast, QuantQuantized}: 400,
		}
	}
	return table[sizeKey{d.Name, d.Quantization}]
}
