package app

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"swcache/internal/mutation"
	"swcache/internal/worker"
)

// CacheSize prints entry counts and bytes per partition.
func CacheSize(ctx context.Context, opts Options) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		sizes, err := rt.partitionSizes(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		var total int64
		fmt.Fprintln(tw, "PARTITION\tENTRIES\tSIZE")
		for _, s := range sizes {
			total += s.Bytes
			fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.Entries, formatSize(s.Bytes))
		}
		fmt.Fprintf(tw, "total\t\t%s\n", formatSize(total))
		return tw.Flush()
	})
}

func (rt *runtime) partitionSizes(ctx context.Context) ([]partitionSize, error) {
	names, err := rt.store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	out := make([]partitionSize, 0, len(names))
	for _, name := range names {
		p, err := rt.store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return nil, err
		}
		size := partitionSize{Name: name, Entries: len(keys)}
		for _, key := range keys {
			resp, err := p.Match(ctx, key)
			if err != nil {
				return nil, err
			}
			size.Bytes += resp.Size()
		}
		out = append(out, size)
	}
	return out, nil
}

// CacheClear deletes every partition.
func CacheClear(ctx context.Context, opts Options) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		reply, err := rt.command(ctx, worker.Command{Type: worker.CmdClearCache})
		if err != nil {
			return err
		}
		if st, ok := reply.(worker.StatusReply); ok && !st.Success {
			return fmt.Errorf("clear cache: %s", st.Error)
		}
		fmt.Fprintf(stdout, "Cleared cache at %s\n", rt.opts.DataDir)
		return nil
	})
}

// CacheWarm installs the manifest and caches urls into the dynamic partition.
func CacheWarm(ctx context.Context, opts Options, urls []string) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		if err := rt.start(ctx); err != nil {
			return err
		}
		if len(urls) > 0 {
			reply, err := rt.command(ctx, worker.Command{Type: worker.CmdCacheURLs, URLs: urls})
			if err != nil {
				return err
			}
			if st, ok := reply.(worker.StatusReply); ok && !st.Success {
				return fmt.Errorf("cache urls: %s", st.Error)
			}
		}
		size, err := rt.life.CacheSize(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Cache warmed: %d manifest assets, %d urls, %s total\n", len(rt.opts.Manifest), len(urls), formatSize(size))
		return nil
	})
}

// Sync drains the queue for tag once.
func Sync(ctx context.Context, opts Options, tag string) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		res, err := rt.worker.Handle(ctx, worker.SyncEvent{Tag: tag})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: replayed %d, failed %d\n", res.Sync.Tag, res.Sync.Replayed, res.Sync.Failed)
		return nil
	})
}

// QueueAdd stores one pending write.
func QueueAdd(ctx context.Context, opts Options, kind, payload, token, endpoint string) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		id, err := rt.queue.Enqueue(ctx, mutation.Record{
			Kind:     mutation.Kind(kind),
			Payload:  json.RawMessage(payload),
			Token:    token,
			Endpoint: endpoint,
		})
		if err != nil {
			return err
		}
		n, err := rt.queue.Count(ctx, mutation.Kind(kind))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Queued %s #%d (%d pending)\n", kind, id, n)
		return nil
	})
}

func (rt *runtime) command(ctx context.Context, cmd worker.Command) (any, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	res, err := rt.worker.Handle(ctx, worker.MessageEvent{Data: data})
	if err != nil {
		return nil, err
	}
	return res.Reply, nil
}
