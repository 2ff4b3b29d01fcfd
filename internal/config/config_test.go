package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.ChunksPerSegment != 3 {
		t.Fatalf("expected default chunks_per_segment 3, got %d", cfg.Pipeline.ChunksPerSegment)
	}
	if !cfg.Pipeline.FastFirstSegment {
		t.Fatal("expected fast_first_segment enabled by default")
	}
	if cfg.Cache.MaxEntries != 256 {
		t.Fatalf("expected default cache max entries, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Playback.Engine != "mock" {
		t.Fatalf("expected default playback engine mock, got %s", cfg.Playback.Engine)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXPIPE_PIPELINE_CHUNKS_PER_SEGMENT", "5")
	t.Setenv("VOXPIPE_PIPELINE_FAST_FIRST_SEGMENT", "false")
	t.Setenv("VOXPIPE_PIPELINE_FRAGMENT_FORMAT", "pcm")
	t.Setenv("VOXPIPE_PIPELINE_SAMPLE_RATE", "16000")
	t.Setenv("VOXPIPE_CACHE_DIR", "/tmp/voxpipe-cache")
	t.Setenv("VOXPIPE_CACHE_MAX_ENTRIES", "42")
	t.Setenv("VOXPIPE_CACHE_MAX_TOTAL_BYTES", "1048576")
	t.Setenv("VOXPIPE_PLAYBACK_ENGINE", "exec")
	t.Setenv("VOXPIPE_PLAYBACK_COMMAND", "ffplay -nodisp -autoexit")
	t.Setenv("VOXPIPE_RETRY_MAX_TRIES", "7")
	t.Setenv("VOXPIPE_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Pipeline.ChunksPerSegment != 5 {
		t.Fatalf("expected chunks_per_segment override, got %d", cfg.Pipeline.ChunksPerSegment)
	}
	if cfg.Pipeline.FastFirstSegment {
		t.Fatal("expected fast_first_segment override false")
	}
	if cfg.Pipeline.FragmentFormat != "pcm" {
		t.Fatalf("expected fragment_format override, got %s", cfg.Pipeline.FragmentFormat)
	}
	if cfg.Pipeline.SampleRate != 16000 {
		t.Fatalf("expected sample_rate override, got %d", cfg.Pipeline.SampleRate)
	}
	if cfg.Cache.Dir != "/tmp/voxpipe-cache" {
		t.Fatalf("expected cache dir override, got %s", cfg.Cache.Dir)
	}
	if cfg.Cache.MaxEntries != 42 {
		t.Fatalf("expected cache max entries override, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.MaxTotalBytes != 1048576 {
		t.Fatalf("expected cache max bytes override, got %d", cfg.Cache.MaxTotalBytes)
	}
	if cfg.Playback.Engine != "exec" || cfg.Playback.Command == "" {
		t.Fatalf("expected playback engine override, got %s %q", cfg.Playback.Engine, cfg.Playback.Command)
	}
	if cfg.Retry.MaxTries != 7 {
		t.Fatalf("expected retry max tries override, got %d", cfg.Retry.MaxTries)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 bus servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"zero chunks per segment", map[string]string{"VOXPIPE_PIPELINE_CHUNKS_PER_SEGMENT": "0"}},
		{"unknown fragment format", map[string]string{"VOXPIPE_PIPELINE_FRAGMENT_FORMAT": "ogg"}},
		{"unknown playback engine", map[string]string{"VOXPIPE_PLAYBACK_ENGINE": "direct"}},
		{"exec engine without command", map[string]string{"VOXPIPE_PLAYBACK_ENGINE": "exec"}},
		{"zero retry tries", map[string]string{"VOXPIPE_RETRY_MAX_TRIES": "0"}},
		{"odd bit depth", map[string]string{"VOXPIPE_PIPELINE_BIT_DEPTH": "12"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}
