/*
Package atomicfile replaces a file so that readers see either the old
content or the new content, never a partially written file.

Writing robustly means:

- handle error returned by `Write()` and `Close()`

- fsync data before the rename and the directory after it

- remove the temporary file if anything failed

Typical use:

	func save(path string, data []byte) error {
		f, err := atomicfile.New(path)
		if err != nil {
			return err
		}
		defer f.RemoveIfNotClosed()

		if _, err = f.Write(data); err != nil {
			return err
		}
		return f.Close()
	}

or just atomicfile.WriteFile(path, data, 0644).
*/
package atomicfile
