package flatbuf

import "strconv"

type MetadataVersion int16

const (
	MetadataVersionV1 MetadataVersion = 0
	MetadataVersionV2 MetadataVersion = 1
	MetadataVersionV3 MetadataVersion = 2
	MetadataVersionV4 MetadataVersion = 3
	MetadataVersionV5 MetadataVersion = 4
)

var EnumNamesMetadataVersion = map[MetadataVersion]string{
	MetadataVersionV1: "V1",
	MetadataVersionV2: "V2",
	MetadataVersionV3: "V3",
	MetadataVersionV4: "V4",
	MetadataVersionV5: "V5",
}

func (v MetadataVersion) String() string {
	if s, ok := EnumNamesMetadataVersion[v]; ok {
		return s
	}
	return "MetadataVersion(" + strconv.FormatInt(int64(v), 10) + ")"
}
