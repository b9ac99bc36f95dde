/*
Package fuse provides a read-only FUSE mount for inspecting the files a
LowFive process holds in memory.

Every resident file appears as a directory named after its path (escaped
with url.PathEscape, so "run/out.h5" becomes "run%2Fout.h5"). Inside it:

	.hierarchy        indented listing of the whole file
	@units            attribute of the enclosing group, raw bytes
	group1/           group
	group1/grid       dataset buffer, raw bytes in the stored datatype
	group1/grid@abc   attribute of a dataset, next to the dataset
	soft -> group1/x  soft link, rewritten relative to the file directory
	hard              hard link, shown as its target

Opening a dataset or attribute takes a snapshot of its buffer under the
file lock; reads are served from the snapshot until the handle is
released, so a round replacing the buffer never tears a read. Datasets
whose data has not arrived yet show as empty files.

	fsys := fuse.NewFileSystem(connector, fuse.DefaultConfig(), logger)
	mount := fuse.NewMountManager(fsys, &fuse.MountConfig{MountPoint: "/mnt/lowfive"}, logger)
	if err := mount.Mount(ctx); err != nil {
		return err
	}
	defer mount.Unmount()

The mount is always read-only; opens for writing fail with EROFS.
*/
package fuse
