package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/config"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"go.uber.org/zap"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// The meter owns stdout, so logs stay on stderr in console form.
	zl, err := config.NewLogger(settings.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()

	providers, err := config.BuildProviders(settings)
	if err != nil {
		zl.Fatal("failed to build providers", zap.Error(err))
	}
	logger := orchestrator.NewZapLogger(zl)
	orch := config.NewOrchestrator(settings, providers, logger)
	sampleRate := settings.EffectiveSampleRate()

	session := orch.NewSessionWithDefaults(uuid.NewString())
	session.SetSystemPrompt(settings.SystemPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := orch.NewManagedStream(ctx, session)
	if err != nil {
		zl.Fatal("failed to start stream", zap.Error(err))
	}
	defer stream.Close()

	zl.Info("voice agent started",
		zap.Any("providers", orch.GetProviders()),
		zap.Int("sampleRate", sampleRate),
		zap.String("language", string(settings.Language)),
		zap.Float64("vadThreshold", settings.VADThreshold),
	)
	fmt.Println("Listening to microphone. Press Ctrl+C to exit")

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		zl.Fatal("audio context", zap.Error(err))
	}
	defer mctx.Uninit()

	var playbackMu sync.Mutex
	var playbackBytes []byte

	var rmsMu sync.Mutex
	lastRMS := 0.0

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			rms := frameRMS(pInput)
			rmsMu.Lock()
			lastRMS = rms
			rmsMu.Unlock()
			// Echo of our own playback is filtered inside the stream.
			_ = stream.Write(pInput)
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			playbackMu.Unlock()
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		zl.Fatal("audio device", zap.Error(err))
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		zl.Fatal("audio device start", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			fmt.Printf("\r[MIC ENERGY: %-40s] RMS: %.5f", strings.Repeat("|", dots), level)
		}
	}()

	go func() {
		for event := range stream.Events() {
			switch event.Type {
			case orchestrator.UserSpeaking:
				fmt.Printf("\r\033[K[USER] speaking...\n")
			case orchestrator.UserStopped:
				fmt.Printf("\r\033[K[STT] processing...\n")
			case orchestrator.TranscriptFinal:
				fmt.Printf("\r\033[K[TRANSCRIPT] %v\n", event.Data)
			case orchestrator.BotThinking:
				fmt.Printf("\r\033[K[LLM] thinking...\n")
			case orchestrator.BotSpeaking:
				fmt.Printf("\r\033[K[TTS] speaking...\n")
			case orchestrator.BotResponse:
				fmt.Printf("\r\033[K[BOT] %v\n", event.Data)
			case orchestrator.AudioChunk:
				chunk, _ := event.Data.([]byte)
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, chunk...)
				playbackMu.Unlock()
			case orchestrator.Interrupted:
				fmt.Printf("\r\033[K[INTERRUPTED]\n")
				playbackMu.Lock()
				playbackBytes = nil
				playbackMu.Unlock()
			case orchestrator.ErrorEvent:
				fmt.Printf("\r\033[K[ERROR] %v\n", event.Data)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")
}

func frameRMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		f := float64(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)/2))
}
