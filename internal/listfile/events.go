package listfile

// Reserved event codes, mirrored from internal/wtmp. These numeric
// values must stay in sync with the identically-named constants there;
// they are duplicated rather than imported to avoid a package cycle
// (Listfile mutations feed the Wtmp log, not the reverse).
const (
	evEnd   int16 = 0
	evStart int16 = 1
	evDown  int16 = 2
	evChg   int16 = 3
	evDel   int16 = 4
)
