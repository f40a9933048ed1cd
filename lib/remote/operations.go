package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/hwpplayers/multipass/lib/vault"
)

// Deferred-task responses carry status code 100; a finished operation
// reports 200 in its metadata.
const (
	statusOperationCreated = 100
	statusSuccess          = 200
)

var percentRE = regexp.MustCompile(`\s(\d{1,3})%`)

// operation is the control API's asynchronous task resource.
type operation struct {
	ID         string          `json:"id"`
	Class      string          `json:"class"`
	StatusCode int             `json:"status_code"`
	Metadata   json.RawMessage `json:"metadata"`
}

type operationProgress struct {
	DownloadProgress string `json:"download_progress"`
}

// taskComplete receives the finished operation's inner metadata.
type taskComplete func(metadata json.RawMessage)

// parsePercent extracts a whole percentage from the operation's free-text
// progress field. Returns -1 when the field carries no percentage.
func parsePercent(progress string) int {
	match := percentRE.FindStringSubmatch(progress)
	if match == nil {
		return -1
	}

	percent, err := strconv.Atoi(match[1])
	if err != nil {
		return -1
	}
	return percent
}

// pollOperation drives a pull/refresh response to completion. Synchronous
// responses return immediately; task responses are polled at the vault's
// interval until they succeed, fail, or the monitor aborts them. The
// operation resource disappearing mid-poll counts as success: the remote
// side drops it once fully processed.
func (v *Vault) pollOperation(ctx context.Context, resp *response, monitor vault.ProgressMonitor, complete taskComplete) error {
	if resp.StatusCode != statusOperationCreated || len(resp.Metadata) == 0 {
		return nil
	}

	var op operation
	if err := json.Unmarshal(resp.Metadata, &op); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}
	if op.Class != "task" {
		return nil
	}

	path := "/operations/" + op.ID

	for {
		task, err := v.client.Get(ctx, path)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if task.ErrorCode != 0 {
			return fmt.Errorf("operation %s failed: %s", op.ID, task.Error)
		}

		var current operation
		if err := json.Unmarshal(task.Metadata, &current); err != nil {
			return fmt.Errorf("decode operation state: %w", err)
		}

		if current.StatusCode == statusSuccess {
			if complete != nil {
				complete(current.Metadata)
			}
			return nil
		}

		var progress operationProgress
		json.Unmarshal(current.Metadata, &progress)

		if !monitor(vault.DownloadImage, parsePercent(progress.DownloadProgress)) {
			// Tear the remote task down before reporting the abort. The
			// operation vanishing first still counts as a cancelled task.
			if _, err := v.client.Delete(ctx, path); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("cancel operation %s: %w", op.ID, err)
			}
			return vault.ErrAbortedDownload
		}

		select {
		case <-ctx.Done():
			v.client.Delete(context.Background(), path)
			return ctx.Err()
		case <-time.After(v.pollInterval):
		}
	}
}
