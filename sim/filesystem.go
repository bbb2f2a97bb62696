package sim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ftl/phonesim/gsm"
	"github.com/ftl/phonesim/rules"
)

// Elementary file structures.
const (
	structureTransparent = 0x00
	structureLinearFixed = 0x01
)

// ElementaryFile is one file of the simulated SIM filesystem.
type ElementaryFile struct {
	ID         string
	Structure  byte
	RecordSize int
	Contents   []byte
}

// FileSystem is the simulated SIM filesystem, accessed via AT+CRSM.
type FileSystem struct {
	files map[string]*ElementaryFile
}

// NewFileSystem loads a filesystem from a rule definition. Files are
// declared as <file name="..." type="transparent|linear"
// recordsize="..."> with their contents as hex text. Files are
// addressed by the last four hex digits of their name, so full SIM
// paths work as names too.
func NewFileSystem(node *rules.Node) *FileSystem {
	result := &FileSystem{files: map[string]*ElementaryFile{}}
	for _, n := range node.Children {
		if n.Tag != "file" {
			continue
		}
		name := strings.ToUpper(n.Attr("name"))
		if len(name) > 4 {
			name = name[len(name)-4:]
		}
		file := &ElementaryFile{ID: name}
		if n.Attr("type") == "linear" {
			file.Structure = structureLinearFixed
			file.RecordSize, _ = strconv.Atoi(n.Attr("recordsize"))
			if file.RecordSize < 1 {
				file.RecordSize = 1
			}
		}
		file.Contents, _ = gsm.HexToBinary(strings.TrimSpace(n.Text))
		result.files[name] = file
	}
	return result
}

// Status words, reported in decimal as required by GSM 27.007 8.18.
const (
	swOK               = "144,0"   // 9000
	swFileNotFound     = "106,130" // 6A82
	swOutsideEF        = "107,0"   // 6B00
	swUnknownInstr     = "109,0"   // 6D00
	swIncorrectParams  = "103,192" // 67C0
	swTechnicalProblem = "111,0"   // 6F00
)

// Restricted SIM access commands of AT+CRSM.
const (
	crsmReadBinary   = 176
	crsmReadRecord   = 178
	crsmGetResponse  = 192
	crsmUpdateBinary = 214
	crsmUpdateRecord = 220
)

// CRSM executes the argument part of an AT+CRSM command and returns
// the complete response text.
func (f *FileSystem) CRSM(args string) string {
	command, pos := gsm.NextInt(args, 0)
	fileID, pos := gsm.NextInt(args, pos)
	p1, pos := gsm.NextInt(args, pos)
	p2, pos := gsm.NextInt(args, pos)
	p3, pos := gsm.NextInt(args, pos)
	data, _ := gsm.NextString(args, pos)

	file := f.files[fmt.Sprintf("%04X", fileID)]
	if file == nil {
		return crsmResponse(swFileNotFound, nil)
	}

	switch command {
	case crsmReadBinary:
		return f.readBinary(file, p1, p2, p3)
	case crsmReadRecord:
		return f.readRecord(file, p1, p3)
	case crsmGetResponse:
		return f.getResponse(file)
	case crsmUpdateBinary:
		return f.updateBinary(file, p1, p2, data)
	case crsmUpdateRecord:
		return f.updateRecord(file, p1, data)
	default:
		return crsmResponse(swUnknownInstr, nil)
	}
}

func (f *FileSystem) readBinary(file *ElementaryFile, p1 int, p2 int, length int) string {
	if file.Structure != structureTransparent {
		return crsmResponse(swIncorrectParams, nil)
	}
	offset := p1<<8 | p2
	if offset < 0 || length < 0 || offset+length > len(file.Contents) {
		return crsmResponse(swOutsideEF, nil)
	}
	return crsmResponse(swOK, file.Contents[offset:offset+length])
}

func (f *FileSystem) readRecord(file *ElementaryFile, record int, length int) string {
	if file.Structure != structureLinearFixed {
		return crsmResponse(swIncorrectParams, nil)
	}
	if length != file.RecordSize {
		return crsmResponse(swIncorrectParams, nil)
	}
	offset := (record - 1) * file.RecordSize
	if record < 1 || offset+file.RecordSize > len(file.Contents) {
		return crsmResponse(swOutsideEF, nil)
	}
	return crsmResponse(swOK, file.Contents[offset:offset+file.RecordSize])
}

// getResponse reports the file parameters in the GSM 11.11 9.2.1
// layout for elementary files.
func (f *FileSystem) getResponse(file *ElementaryFile) string {
	size := len(file.Contents)
	id, _ := strconv.ParseUint(file.ID, 16, 16)
	info := []byte{
		0x00, 0x00, // RFU
		byte(size >> 8), byte(size),
		byte(id >> 8), byte(id),
		0x04,             // type: elementary file
		0x00,             // RFU
		0x00, 0x00, 0x00, // access conditions: always
		0x00, // file status
		0x02, // length of the following data
		file.Structure,
		byte(file.RecordSize),
	}
	return crsmResponse(swOK, info)
}

func (f *FileSystem) updateBinary(file *ElementaryFile, p1 int, p2 int, data string) string {
	if file.Structure != structureTransparent {
		return crsmResponse(swIncorrectParams, nil)
	}
	binary, err := gsm.HexToBinary(data)
	if err != nil {
		return crsmResponse(swTechnicalProblem, nil)
	}
	offset := p1<<8 | p2
	if offset < 0 || offset+len(binary) > len(file.Contents) {
		return crsmResponse(swOutsideEF, nil)
	}
	copy(file.Contents[offset:], binary)
	return crsmResponse(swOK, nil)
}

func (f *FileSystem) updateRecord(file *ElementaryFile, record int, data string) string {
	if file.Structure != structureLinearFixed {
		return crsmResponse(swIncorrectParams, nil)
	}
	binary, err := gsm.HexToBinary(data)
	if err != nil || len(binary) != file.RecordSize {
		return crsmResponse(swTechnicalProblem, nil)
	}
	offset := (record - 1) * file.RecordSize
	if record < 1 || offset+file.RecordSize > len(file.Contents) {
		return crsmResponse(swOutsideEF, nil)
	}
	copy(file.Contents[offset:], binary)
	return crsmResponse(swOK, nil)
}

func crsmResponse(sw string, payload []byte) string {
	if len(payload) == 0 {
		return "+CRSM: " + sw + "\nOK"
	}
	return "+CRSM: " + sw + "," + gsm.BinaryToHex(payload) + "\nOK"
}
