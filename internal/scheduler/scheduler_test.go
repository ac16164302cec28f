package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunAppliesTickTimeout(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, TickTimeout: time.Second}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := 0
	err := s.Run(ctx, func(tickCtx context.Context, bucket time.Time) error {
		ticks++
		if _, ok := tickCtx.Deadline(); !ok {
			t.Fatal("tick 上下文应带有超时")
		}
		if ticks == 2 {
			cancel()
		}
		return errors.New("tick 失败不应中断调度")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if ticks != 2 {
		t.Fatalf("应执行两次 tick, 实际 %d", ticks)
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("启动延迟期间不应执行 tick")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回 context.Canceled, 实际 %v", err)
	}
}

func TestAlignedBuckets(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2025, 1, 1, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个 tick 不正确: %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("bucket 起点不正确: %s", got)
	}

	free := New(Options{Interval: time.Minute}, zerolog.Nop())
	if got := free.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("未对齐时应顺延一个间隔: %s", got)
	}
}

func TestOverrunSkipsMissedBuckets(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buckets []time.Time
	err := s.Run(ctx, func(_ context.Context, bucket time.Time) error {
		buckets = append(buckets, bucket)
		if len(buckets) == 1 {
			time.Sleep(70 * time.Millisecond)
			return nil
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("应执行两次 tick, 实际 %d", len(buckets))
	}
	if gap := buckets[1].Sub(buckets[0]); gap < 60*time.Millisecond {
		t.Fatalf("超时的 tick 之后应跳过错过的 bucket, 间隔 %s", gap)
	}
}
