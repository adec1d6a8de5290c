package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	"cochaviz/adlgen/internal/image"
	"cochaviz/adlgen/internal/logging"
)

// ImageAPI is the subset of the Docker client used for images.
type ImageAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePull(ctx context.Context, refStr string, options imagetypes.PullOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options imagetypes.RemoveOptions) ([]imagetypes.DeleteResponse, error)
}

// Engine implements image.Engine on top of the Docker Engine API.
type Engine struct {
	Client ImageAPI
	Logger *slog.Logger
}

// Inspect looks reference up in the local image store.
func (e *Engine) Inspect(ctx context.Context, reference string) (image.Inspection, bool, error) {
	inspect, _, err := e.Client.ImageInspectWithRaw(ctx, reference)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return image.Inspection{}, false, nil
		}
		return image.Inspection{}, false, err
	}

	info := image.Inspection{ID: inspect.ID}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	return info, true, nil
}

// Pull fetches reference and follows the pull progress stream. Registries
// answering not found or access denied both mean the image is not available.
func (e *Engine) Pull(ctx context.Context, request image.PullRequest) error {
	body, err := e.Client.ImagePull(ctx, request.Reference, imagetypes.PullOptions{Platform: request.Platform})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsUnauthorized(err) {
			return fmt.Errorf("%w: %s: %v", image.ErrImageNotFound, request.Reference, err)
		}
		return fmt.Errorf("pull %s: %w", request.Reference, err)
	}
	defer body.Close()

	if _, err := decodeStream(body, request.Log, logging.Component(e.Logger, "image.docker")); err != nil {
		return fmt.Errorf("pull %s: %w", request.Reference, err)
	}
	return nil
}

// Remove untags reference. Force lets the tag go while containers still use the
// image; the image itself stays until they are gone.
func (e *Engine) Remove(ctx context.Context, reference string) error {
	_, err := e.Client.ImageRemove(ctx, reference, imagetypes.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Build submits the build context and follows the build's JSON message stream.
// Tagging happens when the build succeeds, replacing any previous image of the
// same reference without disturbing containers that still use it.
func (e *Engine) Build(ctx context.Context, request image.BuildRequest) (image.BuildOutput, error) {
	resp, err := e.Client.ImageBuild(ctx, request.Context, types.ImageBuildOptions{
		Tags:        []string{request.Reference},
		Labels:      request.Labels,
		Dockerfile:  "Dockerfile",
		Platform:    request.Platform,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return image.BuildOutput{}, fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	return decodeStream(resp.Body, request.Log, logging.Component(e.Logger, "image.docker"))
}

// decodeStream reads a build or pull JSON message stream, forwarding its text line by line.
func decodeStream(body io.Reader, emit func(string), logger *slog.Logger) (image.BuildOutput, error) {
	var output image.BuildOutput
	record := func(text string) {
		for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			output.Log = append(output.Log, line)
			if emit != nil {
				emit(line)
			}
		}
	}

	decoder := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return output, fmt.Errorf("read engine output: %w", err)
		}

		if msg.Error != nil {
			record(msg.Error.Message)
			return output, msg.Error
		}
		if msg.ErrorMessage != "" {
			record(msg.ErrorMessage)
			return output, errors.New(msg.ErrorMessage)
		}
		if msg.Stream != "" {
			record(msg.Stream)
		}
		if msg.Status != "" {
			record(strings.TrimSpace(msg.ID + " " + msg.Status))
		}
		if msg.Aux != nil {
			var result types.BuildResult
			if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
				output.ImageID = result.ID
			}
		}
	}

	if output.ImageID == "" {
		logger.Debug("engine stream carried no image id")
	}
	return output, nil
}
