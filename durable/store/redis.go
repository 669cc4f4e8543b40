package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of Service.
//
// Key layout:
//
//	<prefix>exec:<executionID>   => HASH {name, token}
//	<prefix>ops:<executionID>    => HASH opID -> JSON encoded Operation
//	<prefix>order:<executionID>  => LIST of opIDs in creation order
//	<prefix>cb:<callbackID>      => STRING "<executionID>|<opID>"
//
// Checkpoints run under WATCH on the execution and operation keys, so two
// writers racing on the same execution cannot both commit.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  Clock
}

// maxWatchRetries bounds optimistic-lock retries after a WATCH conflict.
const maxWatchRetries = 8

// NewRedisStore creates a RedisStore. prefix is optional (default "durable:").
func NewRedisStore(client *redis.Client, prefix string, clock Clock) *RedisStore {
	if prefix == "" {
		prefix = "durable:"
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{client: client, prefix: prefix, clock: clock}
}

func (s *RedisStore) keyExec(id string) string  { return s.prefix + "exec:" + id }
func (s *RedisStore) keyOps(id string) string   { return s.prefix + "ops:" + id }
func (s *RedisStore) keyOrder(id string) string { return s.prefix + "order:" + id }
func (s *RedisStore) keyCallback(id string) string {
	return s.prefix + "cb:" + id
}

// StartExecution creates an execution holding input in its EXECUTION operation.
func (s *RedisStore) StartExecution(ctx context.Context, name string, input *string) (string, error) {
	id := uuid.NewString()
	root := newExecutionOperation(id, name, input, s.clock())
	data, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution operation: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.keyExec(id), "name", name, "token", uuid.NewString())
		p.HSet(ctx, s.keyOps(id), id, data)
		p.RPush(ctx, s.keyOrder(id), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store execution: %w", err)
	}
	return id, nil
}

// GetExecutionState returns one page of operations in creation order.
func (s *RedisStore) GetExecutionState(ctx context.Context, executionID, marker string, maxItems int) (*ExecutionState, error) {
	token, err := s.client.HGet(ctx, s.keyExec(executionID), "token").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	total, err := s.client.LLen(ctx, s.keyOrder(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	start, end, next, err := paginate(int(total), marker, maxItems)
	if err != nil {
		return nil, err
	}

	state := &ExecutionState{CheckpointToken: token, NextMarker: next, Operations: []*Operation{}}
	if end <= start {
		return state, nil
	}

	ids, err := s.client.LRange(ctx, s.keyOrder(executionID), int64(start), int64(end-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation order: %w", err)
	}
	values, err := s.client.HMGet(ctx, s.keyOps(executionID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}

	now := s.clock()
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("operation %s: %w", ids[i], ErrNotFound)
		}
		op, err := decodeOperation(raw)
		if err != nil {
			return nil, err
		}
		materialize(op, now)
		state.Operations = append(state.Operations, op)
	}
	return state, nil
}

// Checkpoint applies updates atomically and rotates the checkpoint token.
func (s *RedisStore) Checkpoint(ctx context.Context, executionID, token string, updates []OperationUpdate) (*CheckpointOutput, error) {
	var out *CheckpointOutput

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, s.keyExec(executionID), "token").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load execution: %w", err)
		}
		if current != token {
			return ErrInvalidCheckpointToken
		}

		raw, err := tx.HGetAll(ctx, s.keyOps(executionID)).Result()
		if err != nil {
			return fmt.Errorf("failed to read operations: %w", err)
		}
		ops := make(map[string]*Operation, len(raw))
		for id, data := range raw {
			op, err := decodeOperation(data)
			if err != nil {
				return err
			}
			ops[id] = op
		}

		now := s.clock()
		touched, created, err := applyBatch(ops, updates, now, uuid.NewString)
		if err != nil {
			return err
		}

		next := uuid.NewString()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, op := range touched {
				data, err := json.Marshal(op)
				if err != nil {
					return fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
				}
				p.HSet(ctx, s.keyOps(executionID), op.ID, data)
				if id := callbackIDOf(op); id != "" {
					p.Set(ctx, s.keyCallback(id), executionID+"|"+op.ID, 0)
				}
			}
			for _, op := range created {
				p.RPush(ctx, s.keyOrder(executionID), op.ID)
			}
			p.HSet(ctx, s.keyExec(executionID), "token", next)
			return nil
		})
		if err != nil {
			return err
		}

		out = &CheckpointOutput{CheckpointToken: next, Operations: touched}
		return nil
	}

	if err := s.watch(ctx, txf, s.keyExec(executionID), s.keyOps(executionID)); err != nil {
		return nil, err
	}
	return out, nil
}

// SendCallbackSuccess completes a callback with result.
func (s *RedisStore) SendCallbackSuccess(ctx context.Context, callbackID string, result *string) error {
	return s.updateCallback(ctx, callbackID, func(op *Operation, now time.Time) error {
		return completeCallback(op, result, nil, now)
	})
}

// SendCallbackFailure fails a callback with errObj.
func (s *RedisStore) SendCallbackFailure(ctx context.Context, callbackID string, errObj *ErrorObject) error {
	if errObj == nil {
		errObj = &ErrorObject{}
	}
	return s.updateCallback(ctx, callbackID, func(op *Operation, now time.Time) error {
		return completeCallback(op, nil, errObj, now)
	})
}

// SendCallbackHeartbeat records a heartbeat for a callback.
func (s *RedisStore) SendCallbackHeartbeat(ctx context.Context, callbackID string) error {
	return s.updateCallback(ctx, callbackID, heartbeatCallback)
}

func (s *RedisStore) updateCallback(ctx context.Context, callbackID string, fn func(*Operation, time.Time) error) error {
	ref, err := s.client.Get(ctx, s.keyCallback(callbackID)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("callback %s: %w", callbackID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve callback: %w", err)
	}
	executionID, opID, ok := strings.Cut(ref, "|")
	if !ok {
		return fmt.Errorf("callback %s: malformed reference %q", callbackID, ref)
	}

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, s.keyOps(executionID), opID).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("callback %s: %w", callbackID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load callback: %w", err)
		}
		op, err := decodeOperation(data)
		if err != nil {
			return err
		}
		now := s.clock()
		materialize(op, now)
		if err := fn(op, now); err != nil {
			return err
		}
		encoded, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to marshal callback operation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, s.keyOps(executionID), opID, encoded)
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, s.keyOps(executionID))
}

// watch runs txf under WATCH, retrying when another client modified the keys first.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction conflict after %d attempts: %w", maxWatchRetries, redis.TxFailedErr)
}

var _ Service = (*RedisStore)(nil)
