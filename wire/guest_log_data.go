package wire

// LogLevel mirrors the guest's log severity values, forwarded verbatim
// to the host logger's level (§4.6, port LOG).
type LogLevel byte

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInformation
	LogWarning
	LogError
	LogCritical
	LogNone
)

// GuestLogData is the frame read from the guest-panic/log area on the
// LOG port (§6).
type GuestLogData struct {
	Level   LogLevel
	Message string
	Source  string
	Caller  string
	File    string
	Line    int32
}

func (d GuestLogData) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(d.Level))
	buf = putString(buf, d.Message)
	buf = putString(buf, d.Source)
	buf = putString(buf, d.Caller)
	buf = putString(buf, d.File)
	buf = putU32(buf, uint32(d.Line))
	return buf
}

func DecodeGuestLogData(payload []byte) (GuestLogData, error) {
	r := newReader(payload)
	level, err := r.byte()
	if err != nil {
		return GuestLogData{}, err
	}
	message, err := r.string()
	if err != nil {
		return GuestLogData{}, err
	}
	source, err := r.string()
	if err != nil {
		return GuestLogData{}, err
	}
	caller, err := r.string()
	if err != nil {
		return GuestLogData{}, err
	}
	file, err := r.string()
	if err != nil {
		return GuestLogData{}, err
	}
	line, err := r.u32()
	if err != nil {
		return GuestLogData{}, err
	}
	return GuestLogData{
		Level:   LogLevel(level),
		Message: message,
		Source:  source,
		Caller:  caller,
		File:    file,
		Line:    int32(line),
	}, nil
}
