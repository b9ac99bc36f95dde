package metadata

import (
	"fmt"
	"io"
	"strings"
)

// Print writes an indented listing of the File's hierarchy to w.
func (f *File) Print(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s [%s]\n", f.path, f.mode); err != nil {
		return err
	}
	return f.Walk(func(n *Node) error {
		if n.parent == nil {
			return nil
		}
		depth := 0
		for p := n.parent; p.parent != nil; p = p.parent {
			depth++
		}
		_, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth+1), n.describe())
		return err
	})
}

func (n *Node) describe() string {
	switch n.kind {
	case KindDataset, KindAttribute:
		state := "no data"
		switch {
		case n.placeholder:
			state = "placeholder"
		case n.Pending():
			state = "pending"
		case n.HasData():
			state = fmt.Sprintf("%d bytes, %s-owned", len(n.data), n.owner)
		}
		prefix := ""
		if n.kind == KindAttribute {
			prefix = "@"
		}
		scale := ""
		if n.isScale {
			scale = fmt.Sprintf(" scale=%q", n.scaleName)
		}
		return fmt.Sprintf("%s%s %s %s %s [%s]%s", prefix, n.name, n.kind, n.dtype, n.space, state, scale)
	case KindSoftLink:
		return fmt.Sprintf("%s -> %s", n.name, n.target)
	case KindHardLink:
		if n.ref == nil {
			return fmt.Sprintf("%s => ?", n.name)
		}
		return fmt.Sprintf("%s => %s", n.name, n.ref.Path())
	default:
		return fmt.Sprintf("%s/ %s", n.name, n.kind)
	}
}
