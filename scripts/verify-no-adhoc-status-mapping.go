//go:build ignore

// SPDX-License-Identifier: MIT

// Gate: every Operation.Status / Operation.Reason write must go through
// lifecycle.Dispatch. Run with:
//
//	go run scripts/verify-no-adhoc-status-mapping.go
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
)

var guardedFields = map[string]struct{}{
	"Status": {},
	"Reason": {},
}

func main() {
	cfg := &packages.Config{
		Mode: packages.NeedSyntax | packages.NeedFiles | packages.NeedTypes | packages.NeedTypesInfo | packages.NeedName,
		Dir:  ".",
	}
	pkgs, err := packages.Load(cfg, "./internal/...")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load packages: %v\n", err)
		os.Exit(1)
	}

	var violations []string
	for _, pkg := range pkgs {
		for i, file := range pkg.Syntax {
			filename := ""
			if i < len(pkg.CompiledGoFiles) {
				filename = pkg.CompiledGoFiles[i]
			} else if i < len(pkg.GoFiles) {
				filename = pkg.GoFiles[i]
			}
			if filename == "" {
				continue
			}
			if strings.HasSuffix(filename, "_test.go") {
				continue
			}
			// The state table itself is the one place allowed to write.
			if strings.Contains(filename, filepath.Join("internal", "domain", "operation", "lifecycle")+string(os.PathSeparator)) {
				continue
			}
			ast.Inspect(file, func(n ast.Node) bool {
				switch node := n.(type) {
				case *ast.AssignStmt:
					for _, lhs := range node.Lhs {
						sel, ok := lhs.(*ast.SelectorExpr)
						if !ok {
							continue
						}
						if !isOperationField(sel, pkg.TypesInfo) {
							continue
						}
						if _, ok := guardedFields[sel.Sel.Name]; ok {
							violations = append(violations, formatViolation(filename, sel.Pos(), "direct Operation status write (use lifecycle.Dispatch)"))
						}
					}
				case *ast.CompositeLit:
					if !isOperationType(node.Type, pkg.TypesInfo) {
						return true
					}
					for _, elt := range node.Elts {
						kv, ok := elt.(*ast.KeyValueExpr)
						if !ok {
							continue
						}
						key, ok := kv.Key.(*ast.Ident)
						if !ok {
							continue
						}
						if _, ok := guardedFields[key.Name]; ok {
							violations = append(violations, formatViolation(filename, kv.Pos(), "direct Operation status literal (use lifecycle.NewOperation/Dispatch)"))
						}
					}
				}
				return true
			})
		}
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "❌ ad-hoc status mappings found (use lifecycle.Dispatch):")
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, v)
		}
		os.Exit(1)
	}
}

func isOperationField(sel *ast.SelectorExpr, info *types.Info) bool {
	return isOperationType(sel.X, info)
}

func isOperationType(expr ast.Expr, info *types.Info) bool {
	typ := info.TypeOf(expr)
	if typ == nil {
		return false
	}
	if ptr, ok := typ.(*types.Pointer); ok {
		typ = ptr.Elem()
	}
	named, ok := typ.(*types.Named)
	if !ok {
		return false
	}
	if named.Obj().Name() != "Operation" {
		return false
	}
	if named.Obj().Pkg() == nil {
		return false
	}
	return strings.HasSuffix(named.Obj().Pkg().Path(), "/internal/domain/operation/model")
}

// No per-value allowances; any write outside lifecycle is a violation.

func formatViolation(filename string, pos token.Pos, msg string) string {
	return fmt.Sprintf("%s:%d: %s", filename, pos, msg)
}
