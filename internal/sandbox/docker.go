package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

func imageBuildOptions(tag string) build.ImageBuildOptions {
	return build.ImageBuildOptions{Tags: []string{tag}, Remove: true}
}

// DefaultWorkdir is the directory tools operate in by default, matching the
// Finish Handler's expectation of source files under /app (§4.8).
const DefaultWorkdir = "/app"

// DockerConfig configures a DockerSandbox.
type DockerConfig struct {
	Image      string
	Dockerfile string // build context directory; takes precedence over Image if set
	Host       string // optional Docker daemon URL, defaults to client.FromEnv
	Network    string // "none" by default, matching a sandboxed default-deny posture
	Logger     *slog.Logger
}

// DockerSandbox implements Sandbox by running one long-lived container per
// aggregate, adapted from a Docker-based code executor pattern: create a
// container that idles on `tail -f /dev/null`, then drive it via
// ContainerExecCreate/Attach for every tool-visible operation.
type DockerSandbox struct {
	client      *client.Client
	containerID string
	workdir     string
	image       string
	network     string
	logger      *slog.Logger
}

// NewDockerSandbox creates and starts a fresh container from cfg.Image (or
// builds one from cfg.Dockerfile), ready for tool exec calls.
func NewDockerSandbox(ctx context.Context, cfg DockerConfig) (*DockerSandbox, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}

	var cli *client.Client
	var err error
	if cfg.Host != "" {
		cli, err = client.NewClientWithOpts(client.WithHost(cfg.Host), client.WithAPIVersionNegotiation())
	} else {
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}

	img := cfg.Image
	if cfg.Dockerfile != "" {
		img, err = buildImage(ctx, cli, cfg.Dockerfile)
		if err != nil {
			return nil, err
		}
	}
	if err := ensureImage(ctx, cli, img); err != nil {
		return nil, err
	}

	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:      img,
			WorkingDir: DefaultWorkdir,
			Cmd:        []string{"tail", "-f", "/dev/null"},
			Tty:        false,
		},
		&container.HostConfig{
			AutoRemove:  false, // Fork/export may need the container after the agent's primary work finishes
			NetworkMode: container.NetworkMode(cfg.Network),
		},
		nil, nil, "sandbox-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	return &DockerSandbox{
		client:      cli,
		containerID: resp.ID,
		workdir:     DefaultWorkdir,
		image:       img,
		network:     cfg.Network,
		logger:      cfg.Logger,
	}, nil
}

func ensureImage(ctx context.Context, cli *client.Client, img string) error {
	images, err := cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: list images: %w", err)
	}
	for _, im := range images {
		for _, tag := range im.RepoTags {
			if tag == img {
				return nil
			}
		}
	}
	reader, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func buildImage(ctx context.Context, cli *client.Client, dockerfileDir string) (string, error) {
	abs, err := filepath.Abs(dockerfileDir)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve dockerfile dir: %w", err)
	}
	tag := "sandbox-image-" + uuid.NewString()
	buildCtx, err := tarDirectory(abs)
	if err != nil {
		return "", fmt.Errorf("sandbox: build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := cli.ImageBuild(ctx, buildCtx, imageBuildOptions(tag))
	if err != nil {
		return "", fmt.Errorf("sandbox: build image: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", fmt.Errorf("sandbox: read build output: %w", err)
	}
	return tag, nil
}

// Exec runs cmd through a shell inside the container's current workdir.
func (s *DockerSandbox) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", "cd " + shellQuote(s.workdir) + " && " + cmd},
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := s.client.ContainerExecCreate(ctx, s.containerID, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec create: %w", err)
	}
	attach, err := s.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: read exec output: %w", err)
	}

	inspect, err := s.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// ReadFile reads a file's contents via a tar stream from the container.
func (s *DockerSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	reader, _, err := s.client.CopyFromContainer(ctx, s.containerID, s.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("sandbox: copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("sandbox: read tar header: %w", err)
	}
	return io.ReadAll(tr)
}

// WriteFile uploads data as a single-file tar archive via CopyToContainer.
func (s *DockerSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	full := s.resolve(path)
	dir := filepath.Dir(full)
	if _, err := s.Exec(ctx, "mkdir -p "+shellQuote(dir)); err != nil {
		return fmt.Errorf("sandbox: mkdir parent: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(full),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("sandbox: tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("sandbox: tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("sandbox: tar close: %w", err)
	}

	return s.client.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{})
}

// ListDirectory returns entry names, excluding "." and "..".
func (s *DockerSandbox) ListDirectory(ctx context.Context, path string) ([]string, error) {
	res, err := s.Exec(ctx, "ls -1A "+shellQuote(s.resolve(path)))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: ls %s: %s", path, res.Stderr)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// DeleteFile removes path inside the container.
func (s *DockerSandbox) DeleteFile(ctx context.Context, path string) error {
	res, err := s.Exec(ctx, "rm -rf "+shellQuote(s.resolve(path)))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: rm %s: %s", path, res.Stderr)
	}
	return nil
}

// SetWorkdir changes the directory subsequent Exec calls run in.
func (s *DockerSandbox) SetWorkdir(ctx context.Context, path string) error {
	s.workdir = path
	return nil
}

func (s *DockerSandbox) resolve(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return s.workdir + "/" + path
}

// ExportDirectory copies containerPath to hostPath, writing each file
// atomically (write to a temp sibling, then rename) per §4.2's guarantee.
func (s *DockerSandbox) ExportDirectory(ctx context.Context, containerPath, hostPath string) error {
	reader, _, err := s.client.CopyFromContainer(ctx, s.containerID, containerPath)
	if err != nil {
		return fmt.Errorf("sandbox: copy from container: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return fmt.Errorf("sandbox: mkdir export dir: %w", err)
	}

	tr := tar.NewReader(reader)
	base := filepath.Base(containerPath)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("sandbox: read tar entry: %w", err)
		}
		rel := strings.TrimPrefix(hdr.Name, base+"/")
		if rel == hdr.Name || rel == "" {
			continue // skip the root entry itself
		}
		dest := filepath.Join(hostPath, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("sandbox: mkdir %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("sandbox: mkdir parent %s: %w", dest, err)
			}
			if err := writeFileAtomic(dest, tr, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("sandbox: write %s: %w", dest, err)
			}
		}
	}
}

func writeFileAtomic(dest string, r io.Reader, mode os.FileMode) error {
	tmp := dest + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// Fork commits the running container to a new image and starts a fresh
// container from it: a cheap copy-on-write branch whose later mutations
// never touch the original (§4.2 fork guarantee).
func (s *DockerSandbox) Fork(ctx context.Context) (Sandbox, error) {
	commitResp, err := s.client.ContainerCommit(ctx, s.containerID, container.CommitOptions{
		Reference: "sandbox-fork-" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: commit for fork: %w", err)
	}

	resp, err := s.client.ContainerCreate(ctx,
		&container.Config{
			Image:      commitResp.ID,
			WorkingDir: s.workdir,
			Cmd:        []string{"tail", "-f", "/dev/null"},
		},
		&container.HostConfig{NetworkMode: container.NetworkMode(s.network)},
		nil, nil, "sandbox-fork-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create forked container: %w", err)
	}
	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start forked container: %w", err)
	}

	return &DockerSandbox{
		client:      s.client,
		containerID: resp.ID,
		workdir:     s.workdir,
		image:       commitResp.ID,
		network:     s.network,
		logger:      s.logger,
	}, nil
}

// Close stops and removes the container.
func (s *DockerSandbox) Close(ctx context.Context) error {
	timeout := 5
	_ = s.client.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout})
	return s.client.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (s *DockerSandbox) Boxed() Sandbox { return s }

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tarDirectory(dir string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := tw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return pr, nil
}
