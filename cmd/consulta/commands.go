package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignea/consulta/internal/credits"
	"github.com/ignea/consulta/internal/details"
	"github.com/ignea/consulta/internal/export"
	"github.com/ignea/consulta/internal/filter"
	"github.com/ignea/consulta/internal/page"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/render"
	"github.com/ignea/consulta/internal/server"
	"github.com/ignea/consulta/internal/store"
)

var runServer = server.Run

func newDetailsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "details <cnpj>",
		Short: "Print the stored or live details of one CNPJ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			o, err := details.Fetch(cmd.Context(), cl, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), details.Title(args[0]))
			fmt.Fprint(cmd.OutOrStdout(), details.Project(o).Text())
			return nil
		},
	}
}

func newCreditsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Print the remaining upstream credits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			text, err := credits.Load(cmd.Context(), cl, refresh)
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the server cache")
	return cmd
}

func newFilterCmd() *cobra.Command {
	var field, term string
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Print the history rows matching a term",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := filter.ParseField(field)
			if err != nil {
				return err
			}
			cl, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			pg := page.New(cl, nil)
			pg.SetLocation(cfg.Server.Location())
			if err := pg.SelectTab(cmd.Context(), page.TabHistory); err != nil {
				return err
			}
			res := pg.SetFilter(page.TabHistory, f, term)
			cells := pg.History.Cells()
			var shown [][]string
			for i, visible := range res.Visible {
				if visible {
					shown = append(shown, cells[i])
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, render.Text(shown))
			fmt.Fprintln(out, res.Counter())
			return nil
		},
	}
	cmd.Flags().StringVar(&field, "field", string(filter.FieldCNPJ), "column to search")
	cmd.Flags().StringVar(&term, "term", "", "search term")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage the lookup history store directly",
	}
	cmd.AddCommand(newHistoryListCmd(), newHistoryExportCmd(), newHistoryImportCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	return store.OpenConfig(cmd.Context(), cfg.Server.Store)
}

func newHistoryListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the most recent history entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			entries, err := st.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			writeHistoryList(cmd.OutOrStdout(), entries, cfg.Server.Location())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 30, "number of entries")
	return cmd
}

func writeHistoryList(w io.Writer, entries []protocol.HistoryEntry, loc *time.Location) {
	for _, e := range entries {
		name := e.ArquivoNome
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "#%d %s %s %s (%d)\n", e.ID, e.DataUTC.In(loc).Format(render.DateLayout), e.Tipo, name, len(e.Resultado))
	}
}

func newHistoryExportCmd() *cobra.Command {
	var format, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the whole history as json, csv or xlsx",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			format = strings.ToLower(strings.TrimSpace(format))
			switch format {
			case "json":
				n, err := st.ExportJSON(cmd.Context(), w)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries\n", n)
				return nil
			case "csv", "xlsx":
				entries, err := st.All(cmd.Context())
				if err != nil {
					return err
				}
				t := export.History(entries, cfg.Server.Location())
				if format == "csv" {
					return t.WriteCSV(w)
				}
				return t.WriteXLSX(w)
			default:
				return fmt.Errorf("unknown format %q: use json, csv or xlsx", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json, csv or xlsx")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newHistoryImportCmd() *cobra.Command {
	var truncate bool
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import history entries written by history export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			n, err := st.ImportJSON(cmd.Context(), r, truncate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&truncate, "truncate", false, "delete existing entries first")
	return cmd
}
