package ntfs

// Version of the decoder and replay core.
const Version = "1.0.0"

// Exports lists the public component families of the module in the order
// they appear in the decode pipeline. A fresh slice is returned each call.
func Exports() []string {
	return []string{
		"Fixup",
		"RunList",
		"Attributes",
		"MFT",
		"LogFile",
		"Replay",
	}
}
