package config

import (
	"os"
	"path"
	"reflect"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("default options do not validate: %v", err)
	}
}

func TestValidateRejectsEmptyBacktracer(t *testing.T) {
	opts := Defaults()
	opts.BacktracerPath = ""
	if err := opts.Validate(); err == nil {
		t.Fatal("empty backtracer path validated")
	}
}

func TestEnumRoundTrip(t *testing.T) {
	for a := UnwindPrecise; a <= UnwindFast; a++ {
		if v, err := ParseUnwindAlgorithm(a.String()); err != nil || v != a {
			t.Errorf("unwind %q: %v, %v", a, v, err)
		}
	}
	for o := Tty; o <= Off; o++ {
		if v, err := ParseOnOffTty(o.String()); err != nil || v != o {
			t.Errorf("on/off/tty %q: %v, %v", o, v, err)
		}
	}
	for s := ThreadsPreset; s <= ThreadsCrashed; s++ {
		if v, err := ParseThreadsToShow(s.String()); err != nil || v != s {
			t.Errorf("threads %q: %v, %v", s, v, err)
		}
	}
	for r := RegistersPreset; r <= RegistersCrashed; r++ {
		if v, err := ParseRegistersToShow(r.String()); err != nil || v != r {
			t.Errorf("registers %q: %v, %v", r, v, err)
		}
	}
	for i := ImagesPreset; i <= ImagesMentioned; i++ {
		if v, err := ParseImagesToShow(i.String()); err != nil || v != i {
			t.Errorf("images %q: %v, %v", i, v, err)
		}
	}
	for p := PresetFriendly; p <= PresetFull; p++ {
		if v, err := ParsePreset(p.String()); err != nil || v != p {
			t.Errorf("preset %q: %v, %v", p, v, err)
		}
	}
	for s := SanitizePreset; s <= SanitizeOff; s++ {
		if v, err := ParseSanitizePaths(s.String()); err != nil || v != s {
			t.Errorf("sanitize %q: %v, %v", s, v, err)
		}
	}
	for o := OutputToStdout; o <= OutputToStderr; o++ {
		if v, err := ParseOutputTo(o.String()); err != nil || v != o {
			t.Errorf("output-to %q: %v, %v", o, v, err)
		}
	}
}

func TestEnumParseErrors(t *testing.T) {
	if _, err := ParseUnwindAlgorithm("bogus"); err == nil {
		t.Error("ParseUnwindAlgorithm accepted bogus")
	}
	if _, err := ParseOnOffTty("maybe"); err == nil {
		t.Error("ParseOnOffTty accepted maybe")
	}
	if _, err := ParsePreset(""); err == nil {
		t.Error("ParsePreset accepted an empty string")
	}
	if _, err := ParseOutputTo("file"); err == nil {
		t.Error("ParseOutputTo accepted file")
	}
}

func TestOptionsYAMLRoundTrip(t *testing.T) {
	opts := Defaults()
	opts.BacktracerPath = "/usr/local/bin/other-backtrace"
	opts.Unwind = UnwindFast
	opts.Demangle = false
	opts.Interactive = Off
	opts.Color = On
	opts.Timeout = 120
	opts.Preset = PresetMedium
	opts.Threads = ThreadsAll
	opts.Registers = RegistersCrashed
	opts.Images = ImagesNone
	opts.Limit = -1
	opts.Top = 3
	opts.Sanitize = SanitizeOn
	opts.Cache = false
	opts.OutputTo = OutputToStderr
	opts.MemserverProcess = true
	opts.ExtraArgs = "-v"

	data, err := yaml.Marshal(opts)
	if err != nil {
		t.Fatal(err)
	}
	got := Defaults()
	if err := yaml.Unmarshal(data, got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, opts) {
		t.Fatalf("round trip mismatch\ngot:  %+v\nwant: %+v", got, opts)
	}
}

func TestUnmarshalOverlaysDefaults(t *testing.T) {
	opts := Defaults()
	in := "unwind: fast\ntimeout: 7\ncolor: \"off\"\n"
	if err := yaml.Unmarshal([]byte(in), opts); err != nil {
		t.Fatal(err)
	}
	if opts.Unwind != UnwindFast || opts.Timeout != 7 || opts.Color != Off {
		t.Fatalf("overlay not applied: %+v", opts)
	}
	// Keys not in the file keep their defaults.
	if opts.Limit != 64 || !opts.Demangle {
		t.Fatalf("defaults lost during overlay: %+v", opts)
	}
}

func TestUnmarshalRejectsBadEnum(t *testing.T) {
	opts := Defaults()
	if err := yaml.Unmarshal([]byte("preset: extreme\n"), opts); err == nil {
		t.Fatal("bad enum value unmarshalled without error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("CRASHCATCH_CONFIG_PATH", t.TempDir())
	opts := LoadConfig()
	if !reflect.DeepEqual(opts, Defaults()) {
		t.Fatal("missing config file did not fall back to defaults")
	}
}

func TestSaveLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CRASHCATCH_CONFIG_PATH", dir)

	opts := Defaults()
	opts.Timeout = 99
	opts.Preset = PresetFull
	if err := SaveConfig(opts); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path.Join(dir, "config.yml")); err != nil {
		t.Fatal(err)
	}

	got := LoadConfig()
	if !reflect.DeepEqual(got, opts) {
		t.Fatalf("loaded config differs\ngot:  %+v\nwant: %+v", got, opts)
	}
}

func TestExtraArgv(t *testing.T) {
	opts := Defaults()
	if v, err := opts.ExtraArgv(); err != nil || v != nil {
		t.Fatalf("empty extra-args: %v, %v", v, err)
	}

	opts.ExtraArgs = "--module-cache-path '/tmp/cache dir' -v"
	v, err := opts.ExtraArgv()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"--module-cache-path", "/tmp/cache dir", "-v"}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("ExtraArgv = %q, want %q", v, want)
	}

	opts.ExtraArgs = "echo `pwd`"
	if _, err := opts.ExtraArgv(); err == nil {
		t.Fatal("backtick expansion accepted")
	}

	opts.ExtraArgs = "foo | bar"
	if _, err := opts.ExtraArgv(); err == nil {
		t.Fatal("pipeline accepted")
	}
}

func TestResolveTTY(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "nottty")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := On.Resolve(f.Fd()); got != On {
		t.Errorf("On resolved to %v", got)
	}
	if got := Off.Resolve(f.Fd()); got != Off {
		t.Errorf("Off resolved to %v", got)
	}
	if got := Tty.Resolve(f.Fd()); got != Off {
		t.Errorf("Tty resolved to %v against a regular file", got)
	}

	opts := Defaults()
	opts.ResolveTTY(f.Fd())
	if opts.Color != Off || opts.Interactive != Off {
		t.Fatalf("ResolveTTY left %v/%v", opts.Color, opts.Interactive)
	}
}
