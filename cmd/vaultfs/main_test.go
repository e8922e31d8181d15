package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/vaultfs"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"4096", 4096, false},
		{"512K", 512 << 10, false},
		{"512M", 512 << 20, false},
		{"10G", 10 << 30, false},
		{"10gib", 10 << 30, false},
		{"1TB", 1 << 40, false},
		{" 8m ", 8 << 20, false},
		{"0", 0, true},
		{"-1G", 0, true},
		{"G", 0, true},
		{"ten", 0, true},
		{"9999999999T", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSizeValue(t *testing.T) {
	var s sizeValue
	require.NoError(t, s.Set("100G"))
	assert.Equal(t, sizeValue(100<<30), s)
	assert.Equal(t, "100G", s.String())
	assert.Equal(t, "size", s.Type())

	s = sizeValue(1536)
	assert.Equal(t, "1536", s.String())
	s = sizeValue(1536 << 10)
	assert.Equal(t, "1536K", s.String())
	assert.Error(t, s.Set("nope"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(3<<19))
	assert.Equal(t, "100.0 GiB", formatBytes(100<<30))
}

func TestPasswordSources(t *testing.T) {
	dir := t.TempDir()
	a := &app{errOut: &bytes.Buffer{}}

	file := filepath.Join(dir, "pw")
	require.NoError(t, os.WriteFile(file, []byte("from-file\r\n"), 0o600))
	a.passwordFile = file
	t.Setenv(passwordEnv, "from-env")
	pw, err := a.password(false)
	require.NoError(t, err)
	assert.Equal(t, "from-file", string(pw))

	require.NoError(t, os.WriteFile(file, []byte("\n"), 0o600))
	_, err = a.password(false)
	assert.ErrorIs(t, err, errEmptyPassword)

	a.passwordFile = filepath.Join(dir, "missing")
	_, err = a.password(false)
	assert.Error(t, err)

	a.passwordFile = ""
	pw, err = a.password(true)
	require.NoError(t, err)
	assert.Equal(t, "from-env", string(pw))
}

func TestDefaultMountPoint(t *testing.T) {
	got := defaultMountPoint(filepath.Join("home", "me", "photos.vault"))
	assert.Equal(t, filepath.Join("home", "me", ".photos"), got)
}

// cli runs the root command against a cheap configuration and a password file.
type cli struct {
	t      *testing.T
	dir    string
	config string
	pwFile string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	cfg := vaultfs.DefaultConfig()
	cfg.KeyWrap.Iterations = 16
	cfg.Verifier.Iterations = 8
	cfg.VolumeSize = 8 << 20
	cfg.ImportMargin = 64 << 10
	config := filepath.Join(dir, "vaultfs.yaml")
	require.NoError(t, cfg.Save(config))

	pwFile := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(pwFile, []byte("correct horse\n"), 0o600))
	return &cli{t: t, dir: dir, config: config, pwFile: pwFile}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", c.config, "--password-file", c.pwFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCreateAndVerify(t *testing.T) {
	c := newCLI(t)
	container := filepath.Join(c.dir, "box.vault")

	out, err := c.run("create", container, "--size", "4M")
	require.NoError(t, err)
	assert.Contains(t, out, "Created")
	assert.Contains(t, out, "4.0 MiB")

	_, err = c.run("create", container)
	assert.Error(t, err, "create must not overwrite")

	out, err = c.run("verify", container)
	require.NoError(t, err)
	assert.Contains(t, out, "Password accepted")

	out, err = c.run("verify", "--full", container)
	require.NoError(t, err)
	assert.Contains(t, out, "box")
	assert.Contains(t, out, "Capacity 4.0 MiB")

	require.NoError(t, os.WriteFile(c.pwFile, []byte("wrong"), 0o600))
	_, err = c.run("verify", container)
	assert.ErrorIs(t, err, vaultfs.ErrWrongPassword)
}

func TestEncryptDecryptCompact(t *testing.T) {
	c := newCLI(t)
	src := filepath.Join(c.dir, "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes", "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.bin"), bytes.Repeat([]byte{7}, 70000), 0o644))

	out, err := c.run("encrypt", src, "--delete-source")
	require.NoError(t, err)
	assert.Contains(t, out, "Encrypted")
	container := src + vaultfs.ContainerExtension
	assert.FileExists(t, container)
	assert.NoDirExists(t, src)

	out, err = c.run("compact", container)
	require.NoError(t, err)
	assert.Contains(t, out, "Compacted")

	out, err = c.run("compact", "--recover", container)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to recover")

	out, err = c.run("decrypt", container)
	require.NoError(t, err)
	assert.Contains(t, out, "Decrypted")
	got, err := os.ReadFile(filepath.Join(src, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	info, err := os.Stat(filepath.Join(src, "b.bin"))
	require.NoError(t, err)
	assert.EqualValues(t, 70000, info.Size())

	_, err = c.run("decrypt", container)
	assert.ErrorIs(t, err, vaultfs.ErrAlreadyExists)

	other := filepath.Join(c.dir, "restored")
	_, err = c.run("decrypt", container, other, "--delete-container")
	require.NoError(t, err)
	assert.NoFileExists(t, container)
	assert.FileExists(t, filepath.Join(other, "notes", "a.txt"))
}

func TestEncryptRejectsFile(t *testing.T) {
	c := newCLI(t)
	file := filepath.Join(c.dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err := c.run("encrypt", file)
	assert.True(t, vaultfs.IsSourceError(err), "got %v", err)
}

func TestConfigCommands(t *testing.T) {
	c := newCLI(t)
	path := filepath.Join(c.dir, "new.yaml")

	out, err := c.run("config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	loaded, err := vaultfs.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, vaultfs.DefaultConfig(), loaded)

	_, err = c.run("config", "init", path)
	assert.ErrorContains(t, err, "already exists")
	_, err = c.run("config", "init", "--force", path)
	assert.NoError(t, err)

	out, err = c.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "volume_size: 8388608")
	assert.Contains(t, out, "iterations: 16")
}

// stallBinder holds Unbind until release is closed.
type stallBinder struct{ release chan struct{} }

func (b stallBinder) Bind(string, *vaultfs.Adapter) (vaultfs.Binding, error) { return b, nil }

func (b stallBinder) Unbind() error {
	<-b.release
	return nil
}

func TestUnmountAllGrace(t *testing.T) {
	dir := t.TempDir()
	cfg := vaultfs.DefaultConfig()
	cfg.KeyWrap.Iterations = 16
	cfg.Verifier.Iterations = 8
	pw := []byte("correct horse")
	path := filepath.Join(dir, "data.vault")
	require.NoError(t, vaultfs.CreateContainer(path, pw, 8<<20, cfg))

	reg := vaultfs.NewRegistry()
	opts := func(b vaultfs.Binder) vaultfs.MountOptions {
		return vaultfs.MountOptions{Config: cfg, Binder: b, Metrics: vaultfs.NewMetrics()}
	}
	a := &app{cfg: cfg}

	release := make(chan struct{})
	m, err := reg.Mount(context.Background(), path, filepath.Join(dir, "mnt"), pw, opts(stallBinder{release}))
	require.NoError(t, err)

	cfg.UnmountGrace = 20 * time.Millisecond
	assert.ErrorIs(t, a.unmountAll(reg), context.DeadlineExceeded)

	close(release)
	select {
	case <-m.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("mount did not tear down")
	}
	assert.Empty(t, reg.List())

	cfg.UnmountGrace = 10 * time.Second
	m, err = reg.Mount(context.Background(), path, filepath.Join(dir, "mnt"), pw, opts(vaultfs.NopBinder{}))
	require.NoError(t, err)
	require.NoError(t, a.unmountAll(reg))
	select {
	case <-m.Done():
	default:
		t.Fatal("unmountAll returned before the mount finished")
	}
}
