package scanner

// BusType identifies how a physical drive is attached.
type BusType int

const (
	BusUnknown BusType = iota
	BusUSB
	BusSATA
	BusNVMe
	BusSD
	BusMMC
	BusSCSI
	BusVirtual
)

var busNames = map[BusType]string{
	BusUnknown: "unknown",
	BusUSB:     "usb",
	BusSATA:    "sata",
	BusNVMe:    "nvme",
	BusSD:      "sd",
	BusMMC:     "mmc",
	BusSCSI:    "scsi",
	BusVirtual: "virtual",
}

func (b BusType) String() string {
	if name, ok := busNames[b]; ok {
		return name
	}
	return "unknown"
}

// DriveInfo describes one physical drive at scan time. Consumers always
// receive copies; the scanner owns the live list.
type DriveInfo struct {
	DevicePath  string
	DisplayName string
	Description string

	SizeBytes int64
	BlockSize int

	Bus         BusType
	IsRemovable bool
	IsReadOnly  bool
	IsSystem    bool

	MountPoints []string
	VolumeLabel string
}

// clone returns a deep copy so callers cannot alias the scanner's state.
func (d DriveInfo) clone() DriveInfo {
	out := d
	out.MountPoints = append([]string(nil), d.MountPoints...)
	return out
}

// valid reports whether the entry satisfies the snapshot invariants.
func (d DriveInfo) valid() bool {
	return d.DevicePath != "" && d.SizeBytes > 0 && d.BlockSize > 0
}
