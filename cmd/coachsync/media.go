package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lucasew/coachsync"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/media"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Resolve, prefetch and publish media objects",
}

var mediaGetCmd = &cobra.Command{
	Use:   "get <bucket> <path>",
	Short: "Resolve a media object through the cache",
	Args:  cobra.ExactArgs(2),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		output, _ := cmd.Flags().GetString("output")
		priority, _ := cmd.Flags().GetString("priority")
		refresh, _ := cmd.Flags().GetBool("refresh")
		checksum, _ := cmd.Flags().GetString("checksum")

		bar := progressbar.NewOptions64(
			-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
					errutil.LogMsg(err, "Failed to print newline to stderr")
				}
			}),
		)

		res, err := c.Resolve(cmd.Context(), args[0], args[1], media.ResolveOptions{
			Priority:  media.Priority(priority),
			SkipCache: refresh,
			Checksum:  checksum,
			Progress:  bar,
		})
		if err != nil {
			return err
		}
		if !res.Hit {
			errutil.LogMsg(bar.Finish(), "Failed to finish progress bar")
		}

		if output == "" {
			_, err := fmt.Println(res.LocalPath)
			return err
		}
		return copyFile(res.LocalPath, output)
	}),
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer errutil.Close(in, "Failed to close cached file")

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		errutil.Close(out, "Failed to close output file")
		errutil.LogMsg(os.Remove(dst), "Failed to remove output file after failed copy", "path", dst)
		return err
	}
	return out.Close()
}

var mediaPrefetchCmd = &cobra.Command{
	Use:   "prefetch <bucket> <path>...",
	Short: "Warm the media cache",
	Args:  cobra.MinimumNArgs(2),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		priority, _ := cmd.Flags().GetString("priority")
		force, _ := cmd.Flags().GetBool("force")

		items := make([]media.PrefetchItem, 0, len(args)-1)
		for _, p := range args[1:] {
			items = append(items, media.PrefetchItem{Bucket: args[0], Path: p, Priority: media.Priority(priority)})
		}
		res := c.Prefetch(cmd.Context(), items, media.PrefetchFlags{Force: force})
		failed := make(map[string]string, len(res.Failed))
		for id, err := range res.Failed {
			failed[id] = err.Error()
		}
		if err := printJSON(map[string]any{
			"requested": res.Requested,
			"fetched":   res.Fetched,
			"hits":      res.Hits,
			"skipped":   res.Skipped,
			"failed":    failed,
			"cancelled": res.Cancelled,
		}); err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d prefetches failed", len(failed), res.Requested)
		}
		return nil
	}),
}

var mediaURLCmd = &cobra.Command{
	Use:   "url <bucket> <path>",
	Short: "Print a signed URL for a remote media object",
	Args:  cobra.ExactArgs(2),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		u, err := c.Media().SignedURL(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		_, err = fmt.Println(u)
		return err
	}),
}

var mediaUploadCmd = &cobra.Command{
	Use:   "upload <bucket> <path> <file>",
	Short: "Upload a file to the remote media store",
	Args:  cobra.ExactArgs(3),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		f, err := os.Open(args[2])
		if err != nil {
			return err
		}
		defer errutil.Close(f, "Failed to close upload source")

		locator, err := c.Media().Upload(cmd.Context(), args[0], args[1], f)
		if err != nil {
			return err
		}
		_, err = fmt.Println(locator)
		return err
	}),
}

var mediaRemoveCmd = &cobra.Command{
	Use:   "rm <bucket> <path>",
	Short: "Remove a media object from the cache",
	Args:  cobra.ExactArgs(2),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		remote, _ := cmd.Flags().GetBool("remote")
		return c.Media().Remove(cmd.Context(), args[0], args[1], remote)
	}),
}

func init() {
	rootCmd.AddCommand(mediaCmd)
	mediaCmd.AddCommand(mediaGetCmd, mediaPrefetchCmd, mediaURLCmd, mediaUploadCmd, mediaRemoveCmd)

	mediaGetCmd.Flags().StringP("output", "o", "", "Copy the resolved file here instead of printing its path")
	mediaGetCmd.Flags().String("priority", string(media.PriorityNormal), "Download priority (high, normal, low)")
	mediaGetCmd.Flags().Bool("refresh", false, "Download even when a fresh copy is cached")
	mediaGetCmd.Flags().String("checksum", "", "Expected digest as algo:hex")

	mediaPrefetchCmd.Flags().String("priority", string(media.PriorityLow), "Download priority (high, normal, low)")
	mediaPrefetchCmd.Flags().Bool("force", false, "Prefetch even when the strategy disables preloading")

	mediaRemoveCmd.Flags().Bool("remote", false, "Also delete the object from the remote store")
}
