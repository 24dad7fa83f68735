package vad

import (
	"fmt"

	"github.com/dahshury/WinSTT/internal/audio"
	"github.com/dahshury/WinSTT/internal/config"
)

// offThresholdRatio keeps the gate in speech until energy drops well below
// the entry threshold, so natural level dips inside a word do not flap the
// classification.
const offThresholdRatio = 0.6

// Decision is the gate's verdict for one frame.
type Decision struct {
	Speech    bool
	Energy    float64
	ForceStop bool
}

// Stats is a snapshot of gate activity for one session.
type Stats struct {
	FramesObserved int     `json:"frames_observed"`
	SpeechFrames   int     `json:"speech_frames"`
	SilenceRun     int     `json:"silence_run"`
	HadSpeech      bool    `json:"had_speech"`
	LastEnergy     float64 `json:"last_energy"`
}

// Gate classifies fixed-size frames as speech or silence and signals a
// forced stop once silence outlasts the configured hangover. The first
// warm-up frames never feed the force-stop counter, so a leading pause
// before the speaker starts does not truncate the session.
type Gate struct {
	onThreshold    float64
	offThreshold   float64
	hangoverFrames int
	warmupFrames   int

	frames     int
	speech     int
	silenceRun int
	inSpeech   bool
	hadSpeech  bool
	lastEnergy float64
}

func New(cfg config.VADConfig, sampleRate, frameSize int) (*Gate, error) {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("vad threshold must be in (0, 1), got %v", cfg.Threshold)
	}
	if cfg.HangoverMS <= 0 {
		return nil, fmt.Errorf("vad hangover must be positive, got %d", cfg.HangoverMS)
	}
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %d samples @ %d Hz", frameSize, sampleRate)
	}

	frameMS := float64(frameSize) * 1000.0 / float64(sampleRate)
	hangoverFrames := int(float64(cfg.HangoverMS)/frameMS + 0.999)
	if hangoverFrames < 1 {
		hangoverFrames = 1
	}

	return &Gate{
		onThreshold:    cfg.Threshold,
		offThreshold:   cfg.Threshold * offThresholdRatio,
		hangoverFrames: hangoverFrames,
		warmupFrames:   cfg.WarmupFrames,
	}, nil
}

// Observe classifies one frame and updates the silence counter. ForceStop
// turns true once post-warm-up silence has lasted the full hangover and
// stays true until Reset.
func (g *Gate) Observe(frame audio.Frame) Decision {
	energy := audio.RMS(frame.PCM)
	g.frames++
	g.lastEnergy = energy

	threshold := g.onThreshold
	if g.inSpeech {
		threshold = g.offThreshold
	}
	speech := energy >= threshold

	if speech {
		g.inSpeech = true
		g.hadSpeech = true
		g.speech++
		g.silenceRun = 0
	} else {
		g.inSpeech = false
		if g.frames > g.warmupFrames {
			g.silenceRun++
		}
	}

	return Decision{
		Speech:    speech,
		Energy:    energy,
		ForceStop: g.silenceRun >= g.hangoverFrames,
	}
}

// HadSpeech reports whether any frame in the session classified as speech.
func (g *Gate) HadSpeech() bool { return g.hadSpeech }

// HangoverFrames exposes the computed frame budget, mostly for logging.
func (g *Gate) HangoverFrames() int { return g.hangoverFrames }

func (g *Gate) Stats() Stats {
	return Stats{
		FramesObserved: g.frames,
		SpeechFrames:   g.speech,
		SilenceRun:     g.silenceRun,
		HadSpeech:      g.hadSpeech,
		LastEnergy:     g.lastEnergy,
	}
}

// Reset clears all per-session state so the gate can serve a new session.
func (g *Gate) Reset() {
	g.frames = 0
	g.speech = 0
	g.silenceRun = 0
	g.inSpeech = false
	g.hadSpeech = false
	g.lastEnergy = 0
}
