package logix

// Logix tag services. These are Rockwell extensions, not CIP common services.
const (
	SvcReadTag            byte = 0x4C
	SvcWriteTag           byte = 0x4D
	SvcReadModifyWriteTag byte = 0x4E
	SvcReadTagFragmented  byte = 0x52
	SvcWriteTagFragmented byte = 0x53

	// SvcGetInstanceAttributeList pages through Symbol object instances.
	SvcGetInstanceAttributeList byte = 0x55
)

// Object classes addressed by the client.
const (
	ClassSymbol   uint16 = 0x6B
	ClassTemplate uint16 = 0x6C
)

// Symbol object attributes.
const (
	symbolAttrType       = 2
	symbolAttrDimensions = 8
)

// Extended status words that accompany general status 0xFF.
const (
	ExtStatusOffsetBeyondEnd uint16 = 0x2104
	ExtStatusCountBeyondEnd  uint16 = 0x2105
	ExtStatusTypeMismatch    uint16 = 0x2107
)
