package metadata

import (
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// DimRef names one dimension of a dataset.
type DimRef struct {
	Dataset *Node
	Dim     int
}

// ScaleLink attaches Scale as a coordinate scale of Dataset's dimension Dim.
type ScaleLink struct {
	Dataset *Node
	Dim     int
	Scale   *Node
}

// DimLabel is the label of one dataset dimension.
type DimLabel struct {
	Dataset *Node
	Dim     int
	Label   string
}

func (f *File) checkDim(ds *Node, dim int) error {
	if ds == nil || ds.file != f {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "dataset does not belong to this file").
			WithComponent("metadata")
	}
	if ds.kind != KindDataset {
		return ds.errorf(pkgerrors.ErrCodeTypeMismatch, "dimension scales apply to datasets, not %s", ds.kind)
	}
	if dim < 0 || dim >= ds.space.Rank() {
		return ds.errorf(pkgerrors.ErrCodeShapeMismatch, "dimension %d out of range for rank %d", dim, ds.space.Rank())
	}
	return nil
}

// SetScale marks ds as a dimension scale named name.
func (f *File) SetScale(ds *Node, name string) error {
	if ds == nil || ds.file != f || ds.kind != KindDataset {
		return pkgerrors.NewError(pkgerrors.ErrCodeTypeMismatch, "only datasets of this file can become scales").
			WithComponent("metadata")
	}
	if err := f.checkMutable(); err != nil {
		return err
	}
	ds.isScale = true
	ds.scaleName = name
	return nil
}

// AttachScale attaches scale to dimension dim of ds. Attaching the same
// pair twice is a no-op. The scale is marked as a scale if it was not yet.
func (f *File) AttachScale(ds *Node, dim int, scale *Node) error {
	if err := f.checkDim(ds, dim); err != nil {
		return err
	}
	if scale == nil || scale.file != f || scale.kind != KindDataset {
		return pkgerrors.NewError(pkgerrors.ErrCodeTypeMismatch, "scale must be a dataset of this file").
			WithComponent("metadata")
	}
	if scale == ds {
		return ds.errorf(pkgerrors.ErrCodeInvalidArgument, "a dataset cannot be its own scale")
	}
	if err := f.checkMutable(); err != nil {
		return err
	}
	for _, l := range f.scales {
		if l.Dataset == ds && l.Dim == dim && l.Scale == scale {
			return nil
		}
	}
	scale.isScale = true
	f.scales = append(f.scales, ScaleLink{Dataset: ds, Dim: dim, Scale: scale})
	return nil
}

// DetachScale removes one attachment; NOT_FOUND if it does not exist.
func (f *File) DetachScale(ds *Node, dim int, scale *Node) error {
	if err := f.checkDim(ds, dim); err != nil {
		return err
	}
	if err := f.checkMutable(); err != nil {
		return err
	}
	for i, l := range f.scales {
		if l.Dataset == ds && l.Dim == dim && l.Scale == scale {
			f.scales = append(f.scales[:i], f.scales[i+1:]...)
			return nil
		}
	}
	return ds.errorf(pkgerrors.ErrCodeNotFound, "scale is not attached to dimension %d", dim)
}

// Scales returns the scales attached to dimension dim of ds in attach order.
func (f *File) Scales(ds *Node, dim int) []*Node {
	var out []*Node
	for _, l := range f.scales {
		if l.Dataset == ds && l.Dim == dim {
			out = append(out, l.Scale)
		}
	}
	return out
}

// AttachedTo returns every dataset dimension that scale is attached to.
func (f *File) AttachedTo(scale *Node) []DimRef {
	var out []DimRef
	for _, l := range f.scales {
		if l.Scale == scale {
			out = append(out, DimRef{Dataset: l.Dataset, Dim: l.Dim})
		}
	}
	return out
}

// ScaleLinks returns the whole attachment table in attach order.
func (f *File) ScaleLinks() []ScaleLink {
	return append([]ScaleLink(nil), f.scales...)
}

// SetLabel sets the label of dimension dim of ds; an empty label removes it.
func (f *File) SetLabel(ds *Node, dim int, label string) error {
	if err := f.checkDim(ds, dim); err != nil {
		return err
	}
	if err := f.checkMutable(); err != nil {
		return err
	}
	ref := DimRef{Dataset: ds, Dim: dim}
	if i, ok := f.labelIndex[ref]; ok {
		if label == "" {
			f.removeLabel(i)
			return nil
		}
		f.labels[i].Label = label
		return nil
	}
	if label == "" {
		return nil
	}
	f.labelIndex[ref] = len(f.labels)
	f.labels = append(f.labels, DimLabel{Dataset: ds, Dim: dim, Label: label})
	return nil
}

// Label returns the label of dimension dim of ds.
func (f *File) Label(ds *Node, dim int) (string, bool) {
	i, ok := f.labelIndex[DimRef{Dataset: ds, Dim: dim}]
	if !ok {
		return "", false
	}
	return f.labels[i].Label, true
}

// Labels returns all labels in the order they were first set.
func (f *File) Labels() []DimLabel {
	return append([]DimLabel(nil), f.labels...)
}

func (f *File) removeLabel(i int) {
	f.labels = append(f.labels[:i], f.labels[i+1:]...)
	f.labelIndex = make(map[DimRef]int, len(f.labels))
	for j, l := range f.labels {
		f.labelIndex[DimRef{Dataset: l.Dataset, Dim: l.Dim}] = j
	}
}

// dropScaleEntries removes attachments and labels that reference removed nodes.
func (f *File) dropScaleEntries(removed map[*Node]bool) {
	kept := f.scales[:0]
	for _, l := range f.scales {
		if !removed[l.Dataset] && !removed[l.Scale] {
			kept = append(kept, l)
		}
	}
	f.scales = kept

	labels := f.labels[:0]
	for _, l := range f.labels {
		if !removed[l.Dataset] {
			labels = append(labels, l)
		}
	}
	f.labels = labels
	f.labelIndex = make(map[DimRef]int, len(f.labels))
	for j, l := range f.labels {
		f.labelIndex[DimRef{Dataset: l.Dataset, Dim: l.Dim}] = j
	}
}

// ResetTables clears the scale and label tables. Reconstruction uses it
// before installing the tables of a new round.
func (f *File) ResetTables() {
	f.scales = nil
	f.labels = nil
	f.labelIndex = make(map[DimRef]int)
}
