package plcsim

import "taglink/logix"

// DemoTypes builds the structure types of the demo project: STRING,
// TestUDT1 and TestUDT2, which holds five TestUDT1.
func DemoTypes() (str, udt1, udt2 *logix.Template) {
	str = logix.NewStringTemplate(0x0FCE, "STRING", logix.StringCapacity)
	udt1 = logix.NewTemplate(0x0101, "TestUDT1", 100,
		logix.TemplateMember{Name: "ZZZZZZZZZZTestUDT10", Type: logix.TypeSINT},
		logix.TemplateMember{Name: "BOOL1", Type: logix.TypeBOOL},
		logix.TemplateMember{Name: "BOOL2", Type: logix.TypeBOOL, BitOffset: 1},
		logix.TemplateMember{Name: "DINT1", Type: logix.TypeDINT, Offset: 4},
		logix.TemplateMember{Name: "REAL1", Type: logix.TypeREAL, Offset: 8},
		logix.TemplateMember{Name: "STRING1", Offset: 12, Template: str},
	)
	udt2 = logix.NewTemplate(0x0102, "TestUDT2", 512,
		logix.TemplateMember{Name: "ID", Type: logix.TypeDINT},
		logix.TemplateMember{Name: "UDT1", Offset: 4, ArrayDims: []int{5}, Template: udt1},
		logix.TemplateMember{Name: "LREAL1", Type: logix.TypeLREAL, Offset: 504},
	)
	return str, udt1, udt2
}

// LoadDemo adds a small project:
//
//	Counter      DINT
//	Temperature  REAL
//	Running      BOOL
//	Status       DINT
//	Message      STRING
//	Recipe       DINT[10]
//	Matrix       INT[3,4]
//	Program:MainProgram.TestUDT2  TestUDT2[2]
//	Program:MainProgram.Flags     DINT
func (s *Server) LoadDemo() error {
	atomic := []struct {
		path string
		typ  uint16
		dims []int
	}{
		{"Counter", logix.TypeDINT, nil},
		{"Temperature", logix.TypeREAL, nil},
		{"Running", logix.TypeBOOL, nil},
		{"Status", logix.TypeDINT, nil},
		{"Recipe", logix.TypeDINT, []int{10}},
		{"Matrix", logix.TypeINT, []int{3, 4}},
		{"Program:MainProgram.Flags", logix.TypeDINT, nil},
	}
	str, _, udt2 := DemoTypes()
	for _, a := range atomic {
		if err := s.AddTag(a.path, a.typ, a.dims...); err != nil {
			return err
		}
	}
	if err := s.AddStructTag("Message", str); err != nil {
		return err
	}
	if err := s.AddStructTag("Program:MainProgram.TestUDT2", udt2, 2); err != nil {
		return err
	}
	if err := s.Set("Temperature", logix.FloatValue(21.5)); err != nil {
		return err
	}
	if err := s.Set("Message", logix.StringValue("hello")); err != nil {
		return err
	}
	return s.Set("Program:MainProgram.TestUDT2[0].ID", logix.IntValue(1))
}
