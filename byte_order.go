package immortan

import "encoding/binary"

var byteOrder = binary.BigEndian
