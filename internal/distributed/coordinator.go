// Package distributed implements the data parallel worker group: an
// in-process rendezvous hub, lockstep collectives (barrier, all-gather,
// broadcast, all-reduce), worker spawning and the update watchdog.
//
// Workers are goroutines sharing one Hub. Every collective completes only
// when all world_size workers have joined it, and delivers identical
// results on every rank. Gradient reduction sums gathered buckets in rank
// order on each worker, so the averaged gradients are bitwise identical
// across the group without a designated reducer.
package distributed

import (
	"context"
	"encoding/json"

	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

const bytesPerGradient = 8

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator is one worker's handle on the group's collectives. It is
// created by CallMain and passed to the worker body; every method is safe
// to call concurrently with other workers' coordinators on the same hub.
type Coordinator struct {
	rank     int
	deviceID int
	hub      *Hub
	cfg      config.DistributedConfig
	logger   logging.Logger
}

// NewCoordinator binds a worker rank to the hub. The device identifier is
// recorded as-is; CallMain assigns one device per spawned worker.
func NewCoordinator(hub *Hub, rank, deviceID int, cfg config.DistributedConfig, logger logging.Logger) *Coordinator {
	return &Coordinator{
		rank:     rank,
		deviceID: deviceID,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
	}
}

// Rank returns the worker's rank within the group.
func (c *Coordinator) Rank() int {
	return c.rank
}

// WorldSize returns the total number of workers in the group.
func (c *Coordinator) WorldSize() int {
	return c.hub.worldSize
}

// IsMaster reports whether this worker is rank zero.
func (c *Coordinator) IsMaster() bool {
	return c.rank == 0
}

// DeviceID returns the device this worker is bound to.
func (c *Coordinator) DeviceID() int {
	return c.deviceID
}

// ============================================================================
// Collectives
// ============================================================================

// Barrier blocks until every worker in the group has reached it.
func (c *Coordinator) Barrier(ctx context.Context) error {
	_, err := c.hub.barrier.join(ctx, c.rank, struct{}{})
	return err
}

// AllGather serializes value, exchanges it with every worker and returns
// the rank-ordered payloads. A serialized payload larger than bufferSize
// bytes fails on the sender before it enters the rendezvous, naming the
// offending rank and both sizes; bufferSize zero or below disables the
// check.
func (c *Coordinator) AllGather(ctx context.Context, value interface{}, bufferSize int) ([]json.RawMessage, error) {
	payload, err := utils.ToJSONBytes(value)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrSysInternalError.Code,
			"all_gather: serialize payload on rank %d", c.rank)
	}
	if bufferSize > 0 && len(payload) > bufferSize {
		return nil, errors.PayloadTooLargeError(c.rank, len(payload), bufferSize)
	}
	gathered, err := c.hub.gather.join(ctx, c.rank, payload)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(gathered))
	for i, p := range gathered {
		out[i] = json.RawMessage(p)
	}
	return out, nil
}

// AllGatherList gathers value using the buffer size reserved for worker
// stats in the distributed configuration.
func (c *Coordinator) AllGatherList(ctx context.Context, value interface{}) ([]json.RawMessage, error) {
	return c.AllGather(ctx, value, c.cfg.AllGatherListSize)
}

// Broadcast sends data from the root rank to every worker and returns the
// root's payload. Non-root callers pass nil. Callers must treat the
// returned bytes as shared and read-only.
func (c *Coordinator) Broadcast(ctx context.Context, data []byte, root int) ([]byte, error) {
	if root < 0 || root >= c.hub.worldSize {
		return nil, errors.NewFromCodef(errors.ErrCoordWorldMismatch,
			"broadcast root %d outside world of size %d", root, c.hub.worldSize)
	}
	var payload []byte
	if c.rank == root {
		payload = data
	}
	gathered, err := c.hub.gather.join(ctx, c.rank, payload)
	if err != nil {
		return nil, err
	}
	return gathered[root], nil
}

// AllReduce averages grads in place across the worker group. Gradients
// are exchanged in buckets of bucket_cap_mb megabytes; with the fp16
// communication hook enabled each bucket is rounded through half
// precision before it is sent. Every rank sums the gathered buckets in
// rank order, so all workers end up with identical averages.
func (c *Coordinator) AllReduce(ctx context.Context, grads []float64) error {
	bucket := c.cfg.BucketCapMB * 1024 * 1024 / bytesPerGradient
	if bucket < 1 {
		bucket = len(grads)
	}
	world := float64(c.hub.worldSize)
	fp16 := c.cfg.DDPCommHook == "fp16"

	for lo := 0; lo < len(grads); lo += bucket {
		hi := lo + bucket
		if hi > len(grads) {
			hi = len(grads)
		}
		// Peers keep reading the payload after this rank starts writing
		// results back, so hand the round a copy.
		var send []float64
		if fp16 {
			send = compressFP16(grads[lo:hi])
		} else {
			send = append([]float64(nil), grads[lo:hi]...)
		}
		gathered, err := c.hub.reduce.join(ctx, c.rank, send)
		if err != nil {
			return err
		}
		for peer, vals := range gathered {
			if len(vals) != hi-lo {
				return errors.NewFromCodef(errors.ErrCoordWorldMismatch,
					"gradient bucket from rank %d has %d values, want %d", peer, len(vals), hi-lo)
			}
		}
		for i := 0; i < hi-lo; i++ {
			var sum float64
			for _, vals := range gathered {
				sum += vals[i]
			}
			grads[lo+i] = sum / world
		}
	}
	return nil
}
