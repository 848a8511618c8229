// Package container supervises workload containers through the local
// container-runtime daemon: create/start/stop/restart/delete, log
// streaming, and in-container command execution.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// connectErrTTL is how long a runtime connect failure is remembered before
// another dial is attempted.
const connectErrTTL = 30 * time.Second

// API is the slice of the runtime client the supervisor drives. The real
// implementation is *client.Client; tests substitute a fake.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error)
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string,
	) (dockercontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options dockercontainer.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options dockercontainer.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (dockercontainer.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options dockercontainer.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options dockercontainer.ExecOptions) (dockercontainer.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options dockercontainer.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (dockercontainer.ExecInspect, error)
	ImageList(ctx context.Context, options dockerimage.ListOptions) ([]dockerimage.Summary, error)
	ImagePull(ctx context.Context, refStr string, options dockerimage.PullOptions) (io.ReadCloser, error)
}

// EnvResolver expands secret references in environment maps before they
// reach the runtime.
type EnvResolver interface {
	ResolveEnv(ctx context.Context, env map[string]string, sessionID, vaultHandle string) (map[string]string, error)
}

// ContainerInfo is the supervisor's view of one container.
type ContainerInfo struct {
	ID     string            `json:"container_id"`
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	Status string            `json:"status"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Supervisor talks to the container runtime over its unix socket. The
// connection is dialed lazily; a connect failure is cached for a short
// window so a dead daemon does not absorb a dial per request.
type Supervisor struct {
	socketPath string
	resolver   EnvResolver
	store      *state.Store

	mu           sync.Mutex
	api          API
	connectErr   error
	connectErrAt time.Time

	now func() time.Time
}

// NewSupervisor returns a supervisor using the socket fallback chain rooted
// at the configured path. The store persists container-config records best
// effort and may be nil in tests.
func NewSupervisor(configuredSocket string, resolver EnvResolver, store *state.Store) *Supervisor {
	return &Supervisor{
		socketPath: configuredSocket,
		resolver:   resolver,
		store:      store,
		now:        time.Now,
	}
}

// NewSupervisorWithAPI returns a supervisor bound to an existing runtime
// client. Used by tests.
func NewSupervisorWithAPI(api API, resolver EnvResolver, store *state.Store) *Supervisor {
	return &Supervisor{api: api, resolver: resolver, store: store, now: time.Now}
}

// apiClient returns the runtime client, dialing on first use. A failed dial
// is remembered for connectErrTTL.
func (s *Supervisor) apiClient(ctx context.Context) (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.api != nil {
		return s.api, nil
	}
	if s.connectErr != nil && s.now().Sub(s.connectErrAt) < connectErrTTL {
		return nil, errors.NewContainerUnavailableError("container runtime unavailable", s.connectErr)
	}

	api, err := s.dial(ctx)
	if err != nil {
		s.connectErr = err
		s.connectErrAt = s.now()
		return nil, errors.NewContainerUnavailableError("container runtime unavailable", err)
	}
	s.connectErr = nil
	s.api = api
	return api, nil
}

func (s *Supervisor) dial(ctx context.Context) (API, error) {
	socketPath, err := findSocket(s.socketPath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
	api, err := client.NewClientWithOpts(
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
		client.WithHost("unix://"+socketPath),
	)
	if err != nil {
		return nil, fmt.Errorf("creating runtime client: %w", err)
	}
	if _, err := api.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging runtime at %s: %w", socketPath, err)
	}

	logger.Debugf("Connected to container runtime at %s", socketPath)
	return api, nil
}

// List returns all containers known to the runtime.
func (s *Supervisor) List(ctx context.Context) ([]ContainerInfo, error) {
	api, err := s.apiClient(ctx)
	if err != nil {
		return nil, err
	}

	containers, err := api.ContainerList(ctx, dockercontainer.ListOptions{All: true})
	if err != nil {
		return nil, errors.NewContainerError("listing containers", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Status: MapStatus(c.State),
			Labels: c.Labels,
		})
	}
	return out, nil
}

// Create resolves secret references in the config's env map, normalizes the
// container name, ensures the image is present, then creates and starts the
// container. The resulting ContainerConfigRecord is persisted best effort.
func (s *Supervisor) Create(ctx context.Context, cfg state.ContainerConfig, sessionID, vaultHandle string) (string, error) {
	api, err := s.apiClient(ctx)
	if err != nil {
		return "", err
	}

	env := cfg.Env
	if s.resolver != nil && len(env) > 0 {
		if env, err = s.resolver.ResolveEnv(ctx, env, sessionID, vaultHandle); err != nil {
			return "", err
		}
	}

	name := NormalizeName(cfg.Name)
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if name != cfg.Name {
		labels[OriginalNameLabel] = cfg.Name
	}

	if err := s.ensureImage(ctx, api, cfg.Image); err != nil {
		return "", err
	}

	exposed, bindings, err := translatePorts(cfg.Ports)
	if err != nil {
		return "", err
	}

	config := &dockercontainer.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Command,
		Env:          flattenEnv(env),
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostConfig := &dockercontainer.HostConfig{
		PortBindings: bindings,
		Binds:        translateVolumes(cfg.Volumes),
		NetworkMode:  dockercontainer.NetworkMode(cfg.NetworkMode),
		Resources: dockercontainer.Resources{
			NanoCPUs: int64(cfg.CPUs * 1e9),
			Memory:   cfg.MemoryLimit,
		},
	}
	if cfg.RestartPolicy != "" {
		hostConfig.RestartPolicy = dockercontainer.RestartPolicy{
			Name:              dockercontainer.RestartPolicyMode(cfg.RestartPolicy),
			MaximumRetryCount: cfg.MaxRetries,
		}
	}

	resp, err := api.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		if isNameConflict(err) {
			return "", s.alreadyExistsError(ctx, api, name)
		}
		return "", errors.NewContainerError("creating container "+name, err)
	}

	if err := api.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return "", errors.NewContainerError("starting container "+name, err)
	}

	if s.store != nil {
		rec := state.ContainerConfigRecord{
			ContainerID: resp.ID,
			Name:        name,
			Image:       cfg.Image,
			Config:      cfg,
			CreatedAt:   s.now().UTC(),
		}
		if err := s.store.SaveContainerConfig(ctx, rec); err != nil {
			logger.Warnw("persisting container config record", "container_id", resp.ID, "error", err)
		}
	}

	logger.Infow("container started", "container_id", resp.ID, "name", name, "image", cfg.Image)
	return resp.ID, nil
}

// Start starts a stopped container.
func (s *Supervisor) Start(ctx context.Context, containerID string) error {
	api, err := s.apiClient(ctx)
	if err != nil {
		return err
	}
	if err := api.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return s.mapRuntimeError(containerID, "starting container", err)
	}
	return nil
}

// Stop stops a running container with a 30 second grace period.
func (s *Supervisor) Stop(ctx context.Context, containerID string) error {
	api, err := s.apiClient(ctx)
	if err != nil {
		return err
	}
	timeoutSeconds := 30
	if err := api.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return s.mapRuntimeError(containerID, "stopping container", err)
	}
	return nil
}

// Restart restarts a container.
func (s *Supervisor) Restart(ctx context.Context, containerID string) error {
	api, err := s.apiClient(ctx)
	if err != nil {
		return err
	}
	if err := api.ContainerRestart(ctx, containerID, dockercontainer.StopOptions{}); err != nil {
		return s.mapRuntimeError(containerID, "restarting container", err)
	}
	return nil
}

// Delete force-removes a container and drops its persisted config record.
func (s *Supervisor) Delete(ctx context.Context, containerID string) error {
	api, err := s.apiClient(ctx)
	if err != nil {
		return err
	}
	if err := api.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return errors.NewContainerError("removing container", err)
		}
	}
	if s.store != nil {
		if err := s.store.DeleteContainerConfig(ctx, containerID); err != nil {
			logger.Warnw("dropping container config record", "container_id", containerID, "error", err)
		}
	}
	return nil
}

// Inspect returns the mapped status and identity of a container.
func (s *Supervisor) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	api, err := s.apiClient(ctx)
	if err != nil {
		return ContainerInfo{}, err
	}
	info, err := api.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, s.mapRuntimeError(containerID, "inspecting container", err)
	}

	out := ContainerInfo{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		out.Status = MapStatus(info.State.Status)
	}
	if info.Config != nil {
		out.Image = info.Config.Image
		out.Labels = info.Config.Labels
	}
	return out, nil
}

// Env returns the container's environment variables as a map.
func (s *Supervisor) Env(ctx context.Context, containerID string) (map[string]string, error) {
	api, err := s.apiClient(ctx)
	if err != nil {
		return nil, err
	}
	info, err := api.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, s.mapRuntimeError(containerID, "inspecting container", err)
	}

	env := make(map[string]string)
	if info.Config != nil {
		for _, kv := range info.Config.Env {
			key, value, _ := strings.Cut(kv, "=")
			env[key] = value
		}
	}
	return env, nil
}

// Exec runs argv inside a running container, returning the exit code and
// the combined stdout+stderr bytes.
func (s *Supervisor) Exec(ctx context.Context, containerID string, argv []string) (int, []byte, error) {
	api, err := s.apiClient(ctx)
	if err != nil {
		return 0, nil, err
	}

	created, err := api.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, nil, s.mapRuntimeError(containerID, "creating exec", err)
	}

	attach, err := api.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return 0, nil, errors.NewContainerError("attaching to exec", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil && err != io.EOF {
		return 0, nil, errors.NewContainerError("reading exec output", err)
	}

	inspect, err := api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, nil, errors.NewContainerError("inspecting exec", err)
	}
	return inspect.ExitCode, buf.Bytes(), nil
}

// ensureImage looks the image up locally and pulls it on a miss.
func (s *Supervisor) ensureImage(ctx context.Context, api API, imageName string) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("reference", imageName)
	images, err := api.ImageList(ctx, dockerimage.ListOptions{Filters: filterArgs})
	if err != nil {
		return errors.NewContainerError("listing images", err)
	}
	if len(images) > 0 {
		return nil
	}

	logger.Infof("Pulling image: %s", imageName)
	reader, err := api.ImagePull(ctx, imageName, dockerimage.PullOptions{})
	if err != nil {
		return errors.NewContainerError("pulling image "+imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// The pull is complete once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errors.NewContainerError("reading image pull progress", err)
	}
	return nil
}

// alreadyExistsError looks up the conflicting container by name and builds
// the structured already-exists failure.
func (s *Supervisor) alreadyExistsError(ctx context.Context, api API, name string) error {
	conflictErr := errors.NewContainerAlreadyExistsError("container name "+name+" is already in use", nil)

	filterArgs := filters.NewArgs()
	filterArgs.Add("name", name)
	containers, err := api.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return conflictErr
	}
	for _, c := range containers {
		for _, candidate := range c.Names {
			if strings.TrimPrefix(candidate, "/") == name {
				return conflictErr.
					WithDetail("existing_id", c.ID).
					WithDetail("existing_status", MapStatus(c.State))
			}
		}
	}
	return conflictErr
}

func (s *Supervisor) mapRuntimeError(containerID, action string, err error) error {
	if client.IsErrNotFound(err) {
		return errors.NewContainerNotFoundError(containerID)
	}
	return errors.NewContainerError(action, err)
}

// MapStatus maps a runtime state onto the three externally-visible statuses.
func MapStatus(runtimeState string) string {
	switch runtimeState {
	case "running":
		return "running"
	case "exited", "created", "paused":
		return "stopped"
	default:
		return "error"
	}
}

// isNameConflict matches the runtime's name-conflict rejection.
func isNameConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "is already in use")
}

// flattenEnv renders an env map as KEY=VALUE pairs.
func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// translatePorts maps {port: host_port} onto the runtime's "<p>/tcp" form.
func translatePorts(ports map[string]int) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for containerPort, hostPort := range ports {
		port, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			return nil, nil, errors.NewValidationError("invalid container port " + containerPort)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", hostPort)}}
	}
	return exposed, bindings, nil
}

// translateVolumes renders {host: container} binds as read-write mounts.
func translateVolumes(volumes map[string]string) []string {
	out := make([]string, 0, len(volumes))
	for hostPath, containerPath := range volumes {
		out = append(out, hostPath+":"+containerPath+":rw")
	}
	return out
}
