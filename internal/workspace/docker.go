package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/basket/taskstream/internal/agentsession"
)

const (
	DefaultDockerLabel = "io.taskstream.workspace"
	labelProject       = "io.taskstream.project"
	labelConversation  = "io.taskstream.conversation"
)

// VolumeAPI is the part of the docker client used for workspaces.
type VolumeAPI interface {
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Docker keeps one labelled named volume per conversation and hands its
// mountpoint to the runtime.
type Docker struct {
	api    VolumeAPI
	label  string
	logger *slog.Logger
}

// NewDockerFromEnv connects using DOCKER_HOST and friends.
func NewDockerFromEnv(label string, logger *slog.Logger) (*Docker, *client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDocker(cli, label, logger), cli, nil
}

func NewDocker(api VolumeAPI, label string, logger *slog.Logger) *Docker {
	if label == "" {
		label = DefaultDockerLabel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{api: api, label: label, logger: logger.With("component", "workspace", "driver", "docker")}
}

// VolumeName is the volume used for a conversation.
func VolumeName(projectID, conversationID string) (string, error) {
	project, err := segment(projectID)
	if err != nil {
		return "", err
	}
	conversation, err := segment(conversationID)
	if err != nil {
		return "", err
	}
	return "taskstream-" + project + "-" + conversation, nil
}

func (d *Docker) Setup(ctx context.Context, req agentsession.WorkspaceRequest) (agentsession.WorkspaceConfig, error) {
	name, err := VolumeName(req.ProjectID, req.ConversationID)
	if err != nil {
		return agentsession.WorkspaceConfig{}, err
	}
	vol, err := d.api.VolumeInspect(ctx, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return agentsession.WorkspaceConfig{}, fmt.Errorf("inspect volume %s: %w", name, err)
		}
		vol, err = d.api.VolumeCreate(ctx, volume.CreateOptions{
			Name: name,
			Labels: map[string]string{
				d.label:           "true",
				labelProject:      req.ProjectID,
				labelConversation: req.ConversationID,
			},
		})
		if err != nil {
			return agentsession.WorkspaceConfig{}, fmt.Errorf("create volume %s: %w", name, err)
		}
		d.logger.InfoContext(ctx, "workspace volume created", "volume", name)
	}
	if vol.Mountpoint == "" {
		return agentsession.WorkspaceConfig{}, fmt.Errorf("volume %s has no mountpoint", name)
	}
	return agentsession.WorkspaceConfig{WorkingDirectory: vol.Mountpoint}, nil
}

func (d *Docker) Cleanup(ctx context.Context, req agentsession.WorkspaceRequest) error {
	name, err := VolumeName(req.ProjectID, req.ConversationID)
	if err != nil {
		return err
	}
	if err := d.api.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	d.logger.InfoContext(ctx, "workspace volume removed", "volume", name)
	return nil
}
