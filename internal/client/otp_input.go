package client

import "strings"

// DefaultOTPLength は認証コードの桁数。
const DefaultOTPLength = 6

// Key はOTP入力で扱うキー操作。
type Key int

const (
	KeyBackspace Key = iota
	KeyArrowLeft
	KeyArrowRight
)

// OTPInput は1桁ずつのセルで構成される認証コード入力のバッファ。
// 数字のみを受け付け、入力後は次のセルへ、Backspaceで前のセルへ移動する。
type OTPInput struct {
	cells []string
	focus int
}

// NewOTPInput はlength桁のOTPInputを生成する。0以下の場合は6桁。
func NewOTPInput(length int) *OTPInput {
	if length <= 0 {
		length = DefaultOTPLength
	}
	return &OTPInput{cells: make([]string, length)}
}

// Len は桁数を返す。
func (o *OTPInput) Len() int { return len(o.cells) }

// Focus は現在フォーカスしているセルの位置を返す。
func (o *OTPInput) Focus() int { return o.focus }

// Cells は各セルの値のコピーを返す。
func (o *OTPInput) Cells() []string {
	return append([]string(nil), o.cells...)
}

// Value は入力済みの値を連結して返す。
func (o *OTPInput) Value() string {
	return strings.Join(o.cells, "")
}

// Complete は全セルが埋まっていればコードとtrueを返す。自動送信の判定に使う。
func (o *OTPInput) Complete() (string, bool) {
	for _, c := range o.cells {
		if c == "" {
			return "", false
		}
	}
	return o.Value(), true
}

// Input はindexのセルに値を入力する。複数文字の場合は最後の1文字を使う。
// 数字以外は無視する。入力後に全セルが埋まった場合はコードとtrueを返す。
func (o *OTPInput) Input(index int, value string) (string, bool) {
	if index < 0 || index >= len(o.cells) {
		return "", false
	}
	if value != "" {
		value = value[len(value)-1:]
		if !isDigit(value[0]) {
			return "", false
		}
	}

	o.cells[index] = value
	if value != "" && index < len(o.cells)-1 {
		o.focus = index + 1
	} else {
		o.focus = index
	}
	return o.Complete()
}

// KeyDown はindexのセルでのキー操作を処理する。
func (o *OTPInput) KeyDown(index int, key Key) {
	if index < 0 || index >= len(o.cells) {
		return
	}
	switch key {
	case KeyBackspace:
		if o.cells[index] == "" && index > 0 {
			o.cells[index-1] = ""
			o.focus = index - 1
			return
		}
		o.cells[index] = ""
		o.focus = index
	case KeyArrowLeft:
		if index > 0 {
			o.focus = index - 1
		}
	case KeyArrowRight:
		if index < len(o.cells)-1 {
			o.focus = index + 1
		}
	}
}

// Paste は貼り付けられた文字列から数字のみを取り出し、先頭のセルから埋める。
// フォーカスは次の空セル、なければ最後のセルへ移す。
func (o *OTPInput) Paste(text string) (string, bool) {
	digits := make([]byte, 0, len(o.cells))
	for i := 0; i < len(text) && len(digits) < len(o.cells); i++ {
		if isDigit(text[i]) {
			digits = append(digits, text[i])
		}
	}
	if len(digits) == 0 {
		return "", false
	}

	for i, d := range digits {
		o.cells[i] = string(d)
	}

	o.focus = len(o.cells) - 1
	for i, c := range o.cells {
		if c == "" {
			o.focus = i
			break
		}
	}
	return o.Complete()
}

// Reset は全セルを空にしてフォーカスを先頭に戻す。
func (o *OTPInput) Reset() {
	for i := range o.cells {
		o.cells[i] = ""
	}
	o.focus = 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// IsOTPCode はlength桁の数字かを返す。
func IsOTPCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !isDigit(code[i]) {
			return false
		}
	}
	return true
}
