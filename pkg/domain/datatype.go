package domain

import "fmt"

// DataType classifies the payload shape of an API entry. Text entries are
// stored as line-oriented datasets, everything else as file-oriented binary.
type DataType string

// supported data types
const (
	TypeText  DataType = "text"
	TypeImage DataType = "image"
	TypeVideo DataType = "video"
	TypeAudio DataType = "audio"
)

// DataTypes returns all supported data types in a stable order
func DataTypes() []DataType {
	return []DataType{TypeText, TypeImage, TypeVideo, TypeAudio}
}

// ParseDataType converts a string to a DataType, empty defaults to text
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case "":
		return TypeText, nil
	case TypeText, TypeImage, TypeVideo, TypeAudio:
		return DataType(s), nil
	}
	return "", fmt.Errorf("unsupported data type: %q", s)
}

// Binary reports whether the type is stored as binary files
func (t DataType) Binary() bool {
	return t == TypeImage || t == TypeVideo || t == TypeAudio
}

// Ext returns the default file extension for the type
func (t DataType) Ext() string {
	switch t {
	case TypeImage:
		return ".jpg"
	case TypeVideo:
		return ".mp4"
	case TypeAudio:
		return ".mp3"
	default:
		return ".json"
	}
}

func (t DataType) String() string { return string(t) }
