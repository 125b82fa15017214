// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package render

import (
	"fmt"
	"go/token"
	"io"
	"strconv"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"

	"github.com/virtgraph/virtgraph/analysis/ir"
)

// WriteSource writes a Go-like rendering of the graph to w. Each basic block
// becomes a labeled group of statements and control flow becomes gotos, so the
// output is pseudocode rather than a compilable program.
func WriteSource(g *ir.Graph, entry *ir.Node, w io.Writer) error {
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		return fmt.Errorf("could not build control flow graph: %w", err)
	}
	r := &sourceRenderer{}
	file := &dst.File{
		Name:  dst.NewIdent("rendered"),
		Decls: []dst.Decl{r.funcDecl(cfg)},
	}
	if err := decorator.Fprint(w, file); err != nil {
		return fmt.Errorf("could not print rendered source: %w", err)
	}
	return nil
}

type sourceRenderer struct{}

func (r *sourceRenderer) funcDecl(cfg *ir.CFG) *dst.FuncDecl {
	var stmts []dst.Stmt
	stmts = append(stmts, r.phiDecls(cfg)...)
	for _, b := range cfg.Blocks() {
		blockStmts := r.blockStmts(cfg, b)
		if len(blockStmts) == 0 {
			continue
		}
		blockStmts[0] = &dst.LabeledStmt{
			Label: blockLabel(b),
			Stmt:  blockStmts[0],
			Decs:  dst.LabeledStmtDecorations{NodeDecs: dst.NodeDecs{Before: dst.EmptyLine}},
		}
		stmts = append(stmts, blockStmts...)
	}
	return &dst.FuncDecl{
		Name: dst.NewIdent("fn"),
		Type: &dst.FuncType{
			Params: r.params(cfg.Graph()),
		},
		Body: &dst.BlockStmt{List: stmts},
	}
}

// phiDecls declares one variable per phi so that the per-edge assignments in
// the predecessor blocks have something to assign to.
func (r *sourceRenderer) phiDecls(cfg *ir.CFG) []dst.Stmt {
	g := cfg.Graph()
	var names []*dst.Ident
	for id := 0; id < g.NodeCount(); id++ {
		n := g.NodeByID(id)
		if n.IsAlive() && n.IsAttached() && n.Op() == ir.OpValuePhi {
			names = append(names, valueIdent(n))
		}
	}
	if len(names) == 0 {
		return nil
	}
	return []dst.Stmt{&dst.DeclStmt{Decl: &dst.GenDecl{
		Tok: token.VAR,
		Specs: []dst.Spec{&dst.ValueSpec{
			Names: names,
			Type:  dst.NewIdent("any"),
		}},
	}}}
}

func (r *sourceRenderer) params(g *ir.Graph) *dst.FieldList {
	var fields []*dst.Field
	for id := 0; id < g.NodeCount(); id++ {
		n := g.NodeByID(id)
		if n.IsAlive() && n.IsAttached() && n.Op() == ir.OpParam {
			fields = append(fields, &dst.Field{
				Names: []*dst.Ident{dst.NewIdent(fmt.Sprintf("p%d", n.IntValue))},
				Type:  dst.NewIdent("any"),
			})
		}
	}
	return &dst.FieldList{Opening: true, List: fields, Closing: true}
}

func (r *sourceRenderer) blockStmts(cfg *ir.CFG, b *ir.Block) []dst.Stmt {
	var stmts []dst.Stmt
	for _, n := range b.Nodes() {
		stmts = append(stmts, r.nodeStmts(cfg, b, n)...)
	}
	return stmts
}

//gocyclo:ignore
func (r *sourceRenderer) nodeStmts(cfg *ir.CFG, b *ir.Block, n *ir.Node) []dst.Stmt {
	switch n.Op() {
	case ir.OpBegin, ir.OpMerge, ir.OpLoopBegin:
		return nil
	case ir.OpLoopExit:
		var stmts []dst.Stmt
		for _, proxy := range n.Proxies() {
			if proxy.IsAlive() {
				stmts = append(stmts, define(valueIdent(proxy), valueExpr(proxy.Input(0))))
			}
		}
		return stmts
	case ir.OpNewInstance:
		return []dst.Stmt{define(valueIdent(n), newCall("alloc", newInt(n.NumFields)))}
	case ir.OpCommit:
		return []dst.Stmt{r.commitStmt(n)}
	case ir.OpLoad:
		return []dst.Stmt{define(valueIdent(n), fieldRef(n.Input(0), n.Field))}
	case ir.OpStore:
		return []dst.Stmt{assign(fieldRef(n.Input(0), n.Field), valueExpr(n.Input(1)))}
	case ir.OpBinOp:
		return []dst.Stmt{define(valueIdent(n),
			newBinOp(binToken(n.Kind), valueExpr(n.Input(0)), valueExpr(n.Input(1))))}
	case ir.OpBox:
		return []dst.Stmt{define(valueIdent(n), newCall("box", valueExpr(n.Input(0))))}
	case ir.OpIf:
		return []dst.Stmt{&dst.IfStmt{
			Cond: valueExpr(n.Input(0)),
			Body: &dst.BlockStmt{List: []dst.Stmt{gotoStmt(cfg.BlockFor(n.TrueSuccessor()))}},
			Else: &dst.BlockStmt{List: []dst.Stmt{gotoStmt(cfg.BlockFor(n.FalseSuccessor()))}},
		}}
	case ir.OpInvoke:
		args := make([]dst.Expr, 0, n.InputCount())
		for _, in := range n.Inputs() {
			args = append(args, valueExpr(in))
		}
		call := &dst.CallExpr{Fun: dst.NewIdent("invoke"), Args: args}
		return []dst.Stmt{
			&dst.AssignStmt{
				Lhs: []dst.Expr{valueIdent(n), dst.NewIdent("err")},
				Tok: token.DEFINE,
				Rhs: []dst.Expr{call},
			},
			&dst.IfStmt{
				Cond: newBinOp(token.NEQ, dst.NewIdent("err"), dst.NewIdent("nil")),
				Body: &dst.BlockStmt{List: []dst.Stmt{gotoStmt(cfg.BlockFor(n.ExceptionSuccessor()))}},
			},
			gotoStmt(cfg.BlockFor(n.NormalSuccessor())),
		}
	case ir.OpReturn:
		if n.InputCount() == 0 {
			return []dst.Stmt{&dst.ReturnStmt{}}
		}
		return []dst.Stmt{&dst.ReturnStmt{Results: []dst.Expr{valueExpr(n.Input(0))}}}
	case ir.OpEnd, ir.OpLoopEnd:
		merge := n.Target()
		var stmts []dst.Stmt
		index := endIndex(merge, n)
		for _, phi := range merge.Phis() {
			stmts = append(stmts, assign(valueIdent(phi), valueExpr(phi.Input(index))))
		}
		return append(stmts, gotoStmt(cfg.BlockFor(merge)))
	default:
		return nil
	}
}

// commitStmt renders an allocation commit as a composite literal assigned to
// its allocated object.
func (r *sourceRenderer) commitStmt(commit *ir.Node) dst.Stmt {
	var alloc *ir.Node
	for _, u := range commit.Usages() {
		if u.Op() == ir.OpAllocatedObject {
			alloc = u
			break
		}
	}
	elts := make([]dst.Expr, 0, commit.InputCount())
	for i, in := range commit.Inputs() {
		elts = append(elts, &dst.KeyValueExpr{
			Key:   dst.NewIdent(fmt.Sprintf("f%d", i)),
			Value: valueExpr(in),
		})
	}
	lit := &dst.UnaryExpr{
		Op: token.AND,
		X:  &dst.CompositeLit{Type: dst.NewIdent("object"), Elts: elts},
	}
	if alloc == nil {
		return &dst.ExprStmt{X: lit}
	}
	return define(valueIdent(alloc), lit)
}

func endIndex(merge, end *ir.Node) int {
	for i, e := range merge.Ends() {
		if e == end {
			return i
		}
	}
	panic(fmt.Sprintf("render: end %v not registered on %v", end, merge))
}

func blockLabel(b *ir.Block) *dst.Ident {
	return dst.NewIdent(fmt.Sprintf("b%d", b.Index()))
}

func gotoStmt(b *ir.Block) dst.Stmt {
	return &dst.BranchStmt{Tok: token.GOTO, Label: blockLabel(b)}
}

func valueIdent(n *ir.Node) *dst.Ident {
	return dst.NewIdent(fmt.Sprintf("v%d", n.ID()))
}

// valueExpr renders a value input inline when it is a literal or a parameter,
// and as its name otherwise.
func valueExpr(n *ir.Node) dst.Expr {
	if n == nil {
		return newNil()
	}
	switch n.Op() {
	case ir.OpConst:
		return newInt64(n.IntValue)
	case ir.OpLogicConst:
		return newBool(n.BoolValue)
	case ir.OpParam:
		return dst.NewIdent(fmt.Sprintf("p%d", n.IntValue))
	default:
		return valueIdent(n)
	}
}

func fieldRef(object *ir.Node, field int) dst.Expr {
	return &dst.SelectorExpr{
		X:   valueExpr(object),
		Sel: dst.NewIdent(fmt.Sprintf("f%d", field)),
	}
}

func define(lhs dst.Expr, rhs dst.Expr) dst.Stmt {
	return &dst.AssignStmt{Lhs: []dst.Expr{lhs}, Tok: token.DEFINE, Rhs: []dst.Expr{rhs}}
}

func assign(lhs dst.Expr, rhs dst.Expr) dst.Stmt {
	return &dst.AssignStmt{Lhs: []dst.Expr{lhs}, Tok: token.ASSIGN, Rhs: []dst.Expr{rhs}}
}

func newCall(fun string, args ...dst.Expr) *dst.CallExpr {
	return &dst.CallExpr{Fun: dst.NewIdent(fun), Args: args}
}

func newBinOp(op token.Token, x, y dst.Expr) *dst.BinaryExpr {
	return &dst.BinaryExpr{X: x, Op: op, Y: y}
}

func newInt(value int) *dst.BasicLit {
	return &dst.BasicLit{Kind: token.INT, Value: strconv.Itoa(value)}
}

func newInt64(value int64) *dst.BasicLit {
	return &dst.BasicLit{Kind: token.INT, Value: strconv.FormatInt(value, 10)}
}

func newBool(value bool) dst.Expr {
	if value {
		return dst.NewIdent("true")
	}
	return dst.NewIdent("false")
}

func newNil() dst.Expr {
	return dst.NewIdent("nil")
}

func binToken(kind string) token.Token {
	switch kind {
	case "+":
		return token.ADD
	case "-":
		return token.SUB
	case "*":
		return token.MUL
	case "==":
		return token.EQL
	case "!=":
		return token.NEQ
	case "<":
		return token.LSS
	default:
		return token.ILLEGAL
	}
}
