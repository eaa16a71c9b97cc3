package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/scistore/pkg/catalog"
	"github.com/jacktea/scistore/pkg/download"
	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/resolver"
	"github.com/jacktea/scistore/pkg/server/httpapi"
	"github.com/jacktea/scistore/pkg/server/middleware"
	"github.com/jacktea/scistore/pkg/storage"
	"github.com/jacktea/scistore/pkg/xerrors"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve path resolution and archive downloads over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := application.cfg
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			engine, err := application.engine(ctx, reg)
			if err != nil {
				return err
			}
			src, err := application.catalogStore(ctx)
			if err != nil {
				return err
			}
			sweeper, err := application.sweeper(ctx)
			if err != nil {
				return err
			}
			if sweeper != nil {
				stop := sweeper.Start(ctx, cfg.SweepInterval)
				defer stop()
			}
			opts := httpapi.Options{APIKey: cfg.APIKey}
			if cfg.RateLimit > 0 {
				opts.RateLimit = middleware.RateLimitOptions{Requests: cfg.RateLimit, Window: cfg.RateWindow}
			}
			server := &httpapi.Server{
				Resolver: resolver.New(src, hierarchy.PermissionAuthorizer{}, application.log.Named("resolver")),
				Engine:   engine,
				Log:      application.log.Named("http"),
				Metrics:  reg,
				Opts:     opts,
			}
			return server.Start(ctx, cfg.HTTPAddr)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("http.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func localResolver(cmd *cobra.Command) (*resolver.Resolver, error) {
	src, err := application.catalogStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	return resolver.New(src, hierarchy.PermissionAuthorizer{}, application.log.Named("resolver")), nil
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [path]",
		Short: "Resolve a label path and list the children of its last element",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := localResolver(cmd)
			if err != nil {
				return err
			}
			res, err := r.Resolve(cmd.Context(), application.cfg.User, resolver.Split(strings.Join(args, "/")))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <path>",
		Short: "Resolve a label path to a single container or file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := localResolver(cmd)
			if err != nil {
				return err
			}
			node, err := r.Lookup(cmd.Context(), application.cfg.User, resolver.Split(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), node)
		},
	}
}

func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Create, inspect and redeem download tickets (requires a bolt or redis ticket store)",
	}
	cmd.AddCommand(newTicketCreateCmd(), newTicketTargetsCmd(), newTicketRedeemCmd())
	return cmd
}

func newTicketCreateCmd() *cobra.Command {
	var (
		req download.Request
		ip  string
	)
	cmd := &cobra.Command{
		Use:   "create <level/id>...",
		Short: "Create a download ticket for containers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := parseRefs(args)
			if err != nil {
				return err
			}
			req.Nodes = nodes
			engine, err := application.engine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			t, err := engine.CreateTicket(cmd.Context(), application.cfg.User, ip, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"ticket":   t.ID,
				"file_cnt": t.Manifest.FileCount,
				"size":     t.Manifest.TotalSize,
				"filename": t.Filename,
				"expires":  t.Expires,
			})
		},
	}
	cmd.Flags().BoolVar(&req.Optional, "optional", false, "skip unreadable or missing nodes")
	cmd.Flags().StringSliceVar(&req.Names, "name", nil, "file name glob (repeatable)")
	cmd.Flags().StringVar(&req.Prefix, "archive-prefix", "", "override the archive top-level directory")
	cmd.Flags().StringVar(&req.Format, "archive-format", "", "override the archive format: tar|tgz")
	cmd.Flags().StringVar(&ip, "ip", "", "client address the ticket is bound to")
	return cmd
}

func newTicketTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets <ticket>",
		Short: "List the entries of a ticket without redeeming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := application.engine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			t, err := engine.Targets(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func newTicketRedeemCmd() *cobra.Command {
	var (
		ip     string
		output string
	)
	cmd := &cobra.Command{
		Use:   "redeem <ticket>",
		Short: "Redeem a ticket and write its archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := application.engine(ctx, nil)
			if err != nil {
				return err
			}
			red, err := engine.Redeem(ctx, args[0], ip)
			if err != nil {
				return err
			}
			defer red.Close()
			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				if output == "." {
					output = red.Ticket.Filename
				}
				f, err := os.Create(output)
				if err != nil {
					return xerrors.Annotate("ticket.redeem", output, err)
				}
				defer f.Close()
				w = f
			}
			stats, err := red.WriteTo(ctx, w)
			if err != nil {
				if output != "" {
					_ = os.Remove(output)
				}
				return err
			}
			application.log.Info("archive written", zap.String("output", output),
				zap.Int("entries", stats.Entries), zap.Int("skipped", stats.Skipped), zap.Int64("bytes", stats.Bytes))
			return nil
		},
	}
	cmd.Flags().StringVar(&ip, "ip", "", "client address the ticket was bound to")
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive file (\".\" uses the ticket filename, default stdout)")
	return cmd
}

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and write storage providers",
	}
	cmd.PersistentFlags().String("on", "", "provider name (default provider when empty)")
	cmd.AddCommand(newStoragePutCmd(), newStorageHashCmd(), newStorageInfoCmd(), newStorageURLCmd())
	return cmd
}

func backendFor(cmd *cobra.Command) (storage.Backend, error) {
	router, err := application.storageRouter(cmd.Context())
	if err != nil {
		return nil, err
	}
	name, _ := cmd.Flags().GetString("on")
	return router.Backend(name)
}

// fileArgs reads "<uuid>" or "--path <hint>" addressing.
func fileArgs(cmd *cobra.Command, args []string) (uuid, hint string) {
	hint, _ = cmd.Flags().GetString("path")
	if len(args) > 0 {
		uuid = args[0]
	}
	return uuid, hint
}

func addressFlags(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String("path", "", "explicit path hint instead of a uuid")
	cmd.Args = func(cmd *cobra.Command, args []string) error {
		hint, _ := cmd.Flags().GetString("path")
		if len(args) == 0 && hint == "" {
			return fmt.Errorf("a uuid or --path is required")
		}
		return cobra.MaximumNArgs(1)(cmd, args)
	}
	return cmd
}

func newStoragePutCmd() *cobra.Command {
	var alg string
	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file at its content address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := backendFor(cmd)
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return xerrors.Annotate("storage.put", args[0], err)
				}
				defer f.Close()
				r = f
			}
			stored, err := storage.PutContent(cmd.Context(), b, r, storage.Algorithm(alg))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"hash":         stored.Hash,
				"size":         stored.Size,
				"path_hint":    stored.PathHint,
				"deduplicated": stored.Deduplicated,
			})
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(storage.DefaultAlgorithm), "hash algorithm: sha384|sha256|sha512|blake3")
	return cmd
}

func newStorageHashCmd() *cobra.Command {
	return addressFlags(&cobra.Command{
		Use:   "hash [uuid]",
		Short: "Print the content hash of a stored file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := backendFor(cmd)
			if err != nil {
				return err
			}
			uuid, hint := fileArgs(cmd, args)
			h, err := b.FileHash(cmd.Context(), uuid, hint)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	})
}

func newStorageInfoCmd() *cobra.Command {
	return addressFlags(&cobra.Command{
		Use:   "info [uuid]",
		Short: "Print the size and modification time of a stored file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := backendFor(cmd)
			if err != nil {
				return err
			}
			uuid, hint := fileArgs(cmd, args)
			info, err := b.FileInfo(cmd.Context(), uuid, hint)
			if err != nil {
				return err
			}
			if info == nil {
				return xerrors.E(xerrors.KindNotFound, "storage.info", uuid+hint)
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	})
}

func newStorageURLCmd() *cobra.Command {
	var opts storage.URLOptions
	var upload bool
	cmd := addressFlags(&cobra.Command{
		Use:   "url [uuid]",
		Short: "Print a signed URL for a stored file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := backendFor(cmd)
			if err != nil {
				return err
			}
			if !b.IsSignedURL() {
				return xerrors.E(xerrors.KindNotSupported, "storage.url", "provider has no signed URLs")
			}
			opts.Purpose = storage.PurposeDownload
			if upload {
				opts.Purpose = storage.PurposeUpload
			}
			uuid, hint := fileArgs(cmd, args)
			u, err := b.SignedURL(cmd.Context(), uuid, hint, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	})
	cmd.Flags().BoolVar(&upload, "upload", false, "sign an upload instead of a download")
	cmd.Flags().StringVar(&opts.Filename, "filename", "", "suggested download filename")
	cmd.Flags().BoolVar(&opts.Attachment, "attachment", false, "serve as an attachment")
	cmd.Flags().StringVar(&opts.ResponseType, "response-type", "", "override the served content type")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "override the URL lifetime")
	return cmd
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the container catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import a YAML snapshot into the bbolt catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("catalog.path")
			if path == "" {
				return xerrors.E(xerrors.KindConfig, "catalog.import", "--catalog is required")
			}
			store, err := catalog.NewBoltStore(catalog.BoltConfig{Path: path})
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := catalog.LoadFile(cmd.Context(), args[0], store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d containers\n", n)
			return nil
		},
	})
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired tickets once",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper, err := application.sweeper(cmd.Context())
			if err != nil {
				return err
			}
			if sweeper == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "ticket store expires tickets on its own")
				return nil
			}
			n, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep removed %d tickets\n", n)
			return nil
		},
	}
}

func parseRefs(args []string) ([]hierarchy.Ref, error) {
	refs := make([]hierarchy.Ref, 0, len(args))
	for _, arg := range args {
		level, id, ok := strings.Cut(arg, "/")
		if !ok || id == "" {
			return nil, xerrors.E(xerrors.KindInvalid, "parseRefs", arg)
		}
		l, err := hierarchy.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		refs = append(refs, hierarchy.Ref{Level: l, ID: id})
	}
	return refs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
