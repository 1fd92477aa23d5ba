package main

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/divergelabs/diverge"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// NewSitesCommand returns the "sites" command: it builds the branch-site
// table for a Go target so instrumentation and search agree on site
// identifiers. IDs are position hashes, stable across rebuilds of the
// same source.
func NewSitesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites <package>",
		Short: "Print the branch site table for a Go package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSites(args[0])
		},
	}
	return cmd
}

type siteRow struct {
	id       diverge.SiteID
	fn       string
	position string
}

func printSites(pattern string) error {
	// Load the initial set of packages.
	initial, err := packages.Load(&packages.Config{
		Mode:  packages.LoadAllSyntax,
		Tests: true,
	}, pattern)
	if err != nil {
		return err
	} else if packages.PrintErrors(initial) > 0 {
		return fmt.Errorf("packages contain errors")
	}

	// Build program in SSA form.
	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			return fmt.Errorf("cannot build SSA for package %s", initial[i])
		}
		pkg.SetDebugMode(true)
	}
	prog.Build()

	var rows []siteRow
	for fn := range ssautil.AllFunctions(prog) {
		if fn.Pkg == nil || !isLocalPackage(pkgs, fn.Pkg) {
			continue
		}
		for _, block := range fn.Blocks {
			for _, instr := range block.Instrs {
				ifInstr, ok := instr.(*ssa.If)
				if !ok {
					continue
				}
				position := prog.Fset.Position(ifInstr.Cond.Pos()).String()
				rows = append(rows, siteRow{
					id:       siteID(fn.String(), position),
					fn:       fn.String(),
					position: position,
				})
			}
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].position != rows[j].position {
			return rows[i].position < rows[j].position
		}
		return rows[i].id < rows[j].id
	})

	for _, row := range rows {
		fmt.Printf("%d\t%s\t%s\n", row.id, row.position, row.fn)
	}
	return nil
}

func isLocalPackage(pkgs []*ssa.Package, pkg *ssa.Package) bool {
	for _, p := range pkgs {
		if p == pkg {
			return true
		}
	}
	return false
}

// siteID derives a stable identifier from the enclosing function and the
// condition's source position.
func siteID(fn, position string) diverge.SiteID {
	h := fnv.New64a()
	h.Write([]byte(fn))
	h.Write([]byte{0})
	h.Write([]byte(position))
	return diverge.SiteID(h.Sum64())
}
