package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/platform/requestid"
	repopg "github.com/animus-labs/catalog-go/internal/repo/postgres"
	"github.com/animus-labs/catalog-go/internal/service/catalog"
)

type rootFlags struct {
	owner     string
	actor     string
	requestID string
}

func (f *rootFlags) scope() (catalog.Scope, error) {
	id, err := requestid.OrNew(f.requestID)
	if err != nil {
		return catalog.Scope{}, fmt.Errorf("request id: %w", err)
	}
	f.requestID = id
	return catalog.Scope{OwnerID: f.owner, Actor: f.actor, RequestID: id}, nil
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Manage shared versioned catalog entities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.owner, "owner", "", "owner the operation acts for")
	root.PersistentFlags().StringVar(&flags.actor, "actor", "catalogctl", "actor recorded in the audit trail")
	root.PersistentFlags().StringVar(&flags.requestID, "request-id", "", "request id recorded in the audit trail")

	root.AddCommand(
		newMigrateCmd(),
		newImportCmd(logger, flags),
		newGetCmd(logger, flags),
		newListCmd(logger, flags),
		newRemoveCmd(logger, flags),
		newRemoveAllCmd(logger, flags),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			return repopg.Migrate(cmd.Context(), db)
		},
	}
}

type regenFlags struct {
	regenerate bool
	force      bool
}

func (f *regenFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.regenerate, "regenerate", false, "request artifact regeneration for affected dependents")
	cmd.Flags().BoolVar(&f.force, "force", false, "force regeneration of unchanged artifacts")
}

func (f *regenFlags) options() catalog.Options {
	return catalog.Options{Regenerate: f.regenerate, Force: f.force}
}

func newImportCmd(logger *slog.Logger, root *rootFlags) *cobra.Command {
	var (
		regen  regenFlags
		noLock bool
	)
	cmd := &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Reconcile contents and products from a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			contents, err := m.contentDefinitions()
			if err != nil {
				return err
			}
			products, err := m.productDefinitions()
			if err != nil {
				return err
			}

			scope, err := root.scope()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			opts := catalog.ImportOptions{Options: regen.options()}
			if noLock {
				locked := false
				opts.Lock = &locked
			}
			result, err := a.svc.ImportCatalog(cmd.Context(), scope, contents, products, opts)
			if err != nil {
				return fmt.Errorf("import catalog: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), summarizeCatalogImport(result))
		},
	}
	regen.bind(cmd)
	cmd.Flags().BoolVar(&noLock, "no-lock", false, "import definitions without a locked flag as unlocked")
	return cmd
}

func newGetCmd(logger *slog.Logger, root *rootFlags) *cobra.Command {
	var (
		kindName    string
		surrogateID string
	)
	cmd := &cobra.Command{
		Use:   "get [business-id]",
		Short: "Show the entity an owner maps, or a canonical row by surrogate id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if surrogateID == "" && len(args) == 0 {
				return fmt.Errorf("a business id or --surrogate-id is required")
			}
			scope, err := root.scope()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if surrogateID != "" {
				entity, err := a.svc.GetEntity(cmd.Context(), surrogateID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entity)
			}
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			entity, err := a.svc.GetOwnerEntity(cmd.Context(), scope, kind, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entity)
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", string(domain.KindContent), "entity kind (content or product)")
	cmd.Flags().StringVar(&surrogateID, "surrogate-id", "", "look up a canonical row directly")
	return cmd
}

func newListCmd(logger *slog.Logger, root *rootFlags) *cobra.Command {
	var kindName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the entities an owner maps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			scope, err := root.scope()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			entities, err := a.svc.ListOwnerEntities(cmd.Context(), scope, kind)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entities)
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", string(domain.KindContent), "entity kind (content or product)")
	return cmd
}

func newRemoveCmd(logger *slog.Logger, root *rootFlags) *cobra.Command {
	var (
		kindName string
		regen    regenFlags
	)
	cmd := &cobra.Command{
		Use:   "remove <business-id>...",
		Short: "Unmap entities from an owner and drop them from its dependents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			scope, err := root.scope()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			result, err := a.svc.RemoveEntities(cmd.Context(), scope, kind, args, regen.options())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summarizeRemove(result))
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", string(domain.KindContent), "entity kind (content or product)")
	regen.bind(cmd)
	return cmd
}

func newRemoveAllCmd(logger *slog.Logger, root *rootFlags) *cobra.Command {
	var (
		kindName string
		regen    regenFlags
	)
	cmd := &cobra.Command{
		Use:   "remove-all",
		Short: "Unmap every entity of a kind from an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			scope, err := root.scope()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			result, err := a.svc.RemoveAllEntities(cmd.Context(), scope, kind, regen.options())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summarizeRemove(result))
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", string(domain.KindContent), "entity kind (content or product)")
	regen.bind(cmd)
	return cmd
}

func parseKind(value string) (domain.Kind, error) {
	kind, ok := domain.ParseKind(strings.TrimSpace(value))
	if !ok {
		return "", fmt.Errorf("unknown kind %q", value)
	}
	return kind, nil
}

type importSummary struct {
	Skipped      []string `json:"skipped"`
	Created      []string `json:"created"`
	Updated      []string `json:"updated"`
	Affected     []string `json:"affected,omitempty"`
	Orphaned     []string `json:"orphaned,omitempty"`
	Regeneration string   `json:"regeneration_error,omitempty"`
}

func summarizeImport(r domain.ImportResult) importSummary {
	return importSummary{
		Skipped:      r.SkippedIDs(),
		Created:      r.CreatedIDs(),
		Updated:      r.UpdatedIDs(),
		Affected:     keyStrings(r.Affected),
		Orphaned:     r.Orphaned,
		Regeneration: regenerationError(r.Regeneration),
	}
}

type catalogImportSummary struct {
	Contents     importSummary `json:"content"`
	Products     importSummary `json:"product"`
	Regeneration string        `json:"regeneration_error,omitempty"`
}

func summarizeCatalogImport(r domain.CatalogImportResult) catalogImportSummary {
	return catalogImportSummary{
		Contents:     summarizeImport(r.Contents),
		Products:     summarizeImport(r.Products),
		Regeneration: regenerationError(r.Regeneration),
	}
}

type removeSummary struct {
	Removed      []string `json:"removed"`
	Affected     []string `json:"affected,omitempty"`
	Orphaned     []string `json:"orphaned,omitempty"`
	Regeneration string   `json:"regeneration_error,omitempty"`
}

func summarizeRemove(r domain.RemoveResult) removeSummary {
	removed := make([]string, 0, len(r.Removed))
	for _, e := range r.Removed {
		removed = append(removed, e.BusinessID)
	}
	return removeSummary{
		Removed:      removed,
		Affected:     keyStrings(r.Affected),
		Orphaned:     r.Orphaned,
		Regeneration: regenerationError(r.Regeneration),
	}
}

func keyStrings(keys []domain.Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func regenerationError(f *domain.PropagationFailure) string {
	if f == nil {
		return ""
	}
	return f.Error()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
