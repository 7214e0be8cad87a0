package channel

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// ToMrkdwn converts the CommonMark the model writes into Slack's
// mrkdwn dialect: **bold** becomes *bold*, links become <url|label>,
// headings become bold lines, and bare &, < and > are escaped.
func ToMrkdwn(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	r := &mrkdwnRenderer{src: src}
	r.children(doc)
	return strings.TrimSpace(r.b.String())
}

type mrkdwnRenderer struct {
	src   []byte
	b     strings.Builder
	depth int // list nesting
}

func (r *mrkdwnRenderer) children(n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		r.node(c)
	}
}

func (r *mrkdwnRenderer) node(n ast.Node) {
	switch n := n.(type) {
	case *ast.Paragraph:
		r.children(n)
		if _, inItem := n.Parent().(*ast.ListItem); inItem {
			r.b.WriteString("\n")
		} else {
			r.b.WriteString("\n\n")
		}
	case *ast.TextBlock:
		r.children(n)
		r.b.WriteString("\n")
	case *ast.Heading:
		r.b.WriteString("*")
		r.children(n)
		r.b.WriteString("*\n\n")
	case *ast.ThematicBreak:
		r.b.WriteString("──────\n\n")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		r.b.WriteString("```\n")
		r.lines(n)
		r.b.WriteString("```\n\n")
	case *ast.HTMLBlock:
		r.lines(n)
		r.b.WriteString("\n")
	case *ast.Blockquote:
		inner := &mrkdwnRenderer{src: r.src}
		inner.children(n)
		for _, line := range strings.Split(strings.TrimRight(inner.b.String(), "\n"), "\n") {
			r.b.WriteString("> " + line + "\n")
		}
		r.b.WriteString("\n")
	case *ast.List:
		r.depth++
		r.children(n)
		r.depth--
		if r.depth == 0 {
			r.b.WriteString("\n")
		}
	case *ast.ListItem:
		r.b.WriteString(strings.Repeat("    ", r.depth-1))
		list := n.Parent().(*ast.List)
		if list.IsOrdered() {
			i := 0
			for s := n.PreviousSibling(); s != nil; s = s.PreviousSibling() {
				i++
			}
			fmt.Fprintf(&r.b, "%d. ", list.Start+i)
		} else {
			r.b.WriteString("• ")
		}
		r.children(n)

	case *ast.Text:
		r.b.WriteString(mrkdwnEscaper.Replace(string(n.Segment.Value(r.src))))
		if n.SoftLineBreak() || n.HardLineBreak() {
			r.b.WriteString("\n")
		}
	case *ast.String:
		r.b.WriteString(mrkdwnEscaper.Replace(string(n.Value)))
	case *ast.CodeSpan:
		r.b.WriteString("`")
		r.children(n)
		r.b.WriteString("`")
	case *ast.Emphasis:
		mark := "_"
		if n.Level >= 2 {
			mark = "*"
		}
		r.b.WriteString(mark)
		r.children(n)
		r.b.WriteString(mark)
	case *extast.Strikethrough:
		r.b.WriteString("~")
		r.children(n)
		r.b.WriteString("~")
	case *ast.Link:
		r.link(string(n.Destination), n)
	case *ast.Image:
		r.link(string(n.Destination), n)
	case *ast.AutoLink:
		url := string(n.URL(r.src))
		if n.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
			url = "mailto:" + url
		}
		r.b.WriteString("<" + url + "|" + mrkdwnEscaper.Replace(string(n.Label(r.src))) + ">")
	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			r.b.WriteString(mrkdwnEscaper.Replace(string(seg.Value(r.src))))
		}
	default:
		r.children(n)
	}
}

func (r *mrkdwnRenderer) link(dest string, n ast.Node) {
	label := &mrkdwnRenderer{src: r.src}
	label.children(n)
	if label.b.Len() == 0 {
		r.b.WriteString("<" + dest + ">")
		return
	}
	r.b.WriteString("<" + dest + "|" + label.b.String() + ">")
}

func (r *mrkdwnRenderer) lines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.b.WriteString(mrkdwnEscaper.Replace(string(seg.Value(r.src))))
	}
}
