package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lucasew/coachsync"
	"github.com/lucasew/coachsync/internal/conditions"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/httpclient"
	"github.com/lucasew/coachsync/internal/queue"
	"github.com/lucasew/coachsync/internal/remote"
	"github.com/lucasew/coachsync/internal/remote/api"
	"github.com/lucasew/coachsync/internal/remote/httpstore"
	"github.com/lucasew/coachsync/internal/remote/s3store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// clientOptions assembles coachsync.Options from flags, environment and config file.
func clientOptions(ctx context.Context) (coachsync.Options, error) {
	opts := coachsync.Defaults()
	opts.DataDir = viper.GetString("data-dir")
	opts.StoreKind = viper.GetString("store")
	opts.CacheDir = viper.GetString("cache-dir")
	opts.MaxCacheSize = viper.GetInt64("max-cache-size")
	opts.MinFreeSpace = viper.GetInt64("min-free-space")
	opts.HighWater = viper.GetFloat64("high-water")
	opts.LowWater = viper.GetFloat64("low-water")
	opts.EvictionStrategy = viper.GetString("eviction-strategy")
	opts.MediaTTL = viper.GetDuration("media-ttl")
	opts.SignedURLTTL = viper.GetDuration("signed-url-ttl")
	opts.Queue.MaxAttempts = viper.GetInt("max-attempts")
	opts.Queue.RetryBase = viper.GetDuration("retry-base")
	opts.Queue.RetryMax = viper.GetDuration("retry-max")

	client, err := httpclient.NewClient(viper.GetString("ca-cert"), viper.GetDuration("timeout"))
	if err != nil {
		return opts, err
	}

	if opts.Objects, err = objectStore(ctx, client); err != nil {
		return opts, err
	}

	if apiURL := viper.GetString("api-url"); apiURL != "" {
		apiClient := api.NewClient(client, apiURL, viper.GetString("api-token"))
		opts.Mutations = make(map[string]remote.MutationAPI, len(api.Domains))
		for _, d := range api.Domains {
			opts.Mutations[d] = apiClient.Domain(d)
		}
	}

	if network := viper.GetString("network"); network != "" {
		n, err := conditions.ParseNetwork(network)
		if err != nil {
			return opts, &errutil.ValidationError{Key: "network", Reason: err.Error()}
		}
		opts.Platform = conditions.NewStaticPlatform(conditions.Snapshot{
			Network: n,
			Device: conditions.DeviceCondition{
				BatteryLevel: viper.GetFloat64("battery"),
				LowPowerMode: viper.GetBool("low-power"),
				Charging:     viper.GetBool("charging"),
			},
		})
	}
	return opts, nil
}

func objectStore(ctx context.Context, client *http.Client) (remote.ObjectStore, error) {
	switch kind := viper.GetString("object-store"); kind {
	case "s3":
		return s3store.NewFromConfig(ctx, s3store.Config{
			Region:         viper.GetString("s3-region"),
			Endpoint:       viper.GetString("s3-endpoint"),
			AccessKey:      viper.GetString("s3-access-key"),
			SecretKey:      viper.GetString("s3-secret-key"),
			KeyPrefix:      viper.GetString("s3-prefix"),
			ForcePathStyle: viper.GetBool("s3-path-style"),
		})
	case "http":
		baseURL := viper.GetString("media-url")
		if baseURL == "" {
			return nil, &errutil.ValidationError{Key: "media-url", Reason: "required by the http object store"}
		}
		mirrors, err := httpstore.ParseMirrors(viper.GetString("media-mirrors"))
		if err != nil {
			return nil, &errutil.ValidationError{Key: "media-mirrors", Reason: "invalid structured field list", Err: err}
		}
		store := httpstore.New(client, baseURL, mirrors)
		store.Token = viper.GetString("media-token")
		if key := viper.GetString("signing-key"); key != "" {
			store.SigningKey = []byte(key)
		}
		return store, nil
	default:
		return nil, &errutil.ValidationError{Key: "object-store", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
}

func openClient(ctx context.Context, reg prometheus.Registerer) (*coachsync.Client, error) {
	opts, err := clientOptions(ctx)
	if err != nil {
		return nil, err
	}
	opts.Registerer = reg
	return coachsync.Open(ctx, opts)
}

// withClient opens a client, samples the conditions once and runs fn against it.
func withClient(fn func(cmd *cobra.Command, args []string, c *coachsync.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		c, err := openClient(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, c.Close())
		}()
		if _, err := c.Sample(cmd.Context()); err != nil {
			errutil.LogMsg(err, "Failed to sample conditions")
		}
		return fn(cmd, args, c)
	}
}

func parsePriority(s string) (queue.Priority, error) {
	p := queue.Priority(s)
	if !p.Valid() {
		return "", &errutil.ValidationError{Key: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}
