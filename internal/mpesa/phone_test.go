package mpesa_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/followup-payments/internal/mpesa"
)

var _ = Describe("NormalizePhone", func() {
	DescribeTable("accepted shapes resolve to one canonical number",
		func(raw string) {
			canonical, err := mpesa.NormalizePhone(raw)

			Expect(err).ToNot(HaveOccurred())
			Expect(canonical).To(Equal("+254722000000"))
		},
		Entry("local", "0722000000"),
		Entry("international digits", "254722000000"),
		Entry("international with plus", "+254722000000"),
		Entry("local with spaces", " 0722 000 000 "),
		Entry("international with hyphens", "254-722-000-000"),
	)

	It("accepts the 01 prefix range", func() {
		canonical, err := mpesa.NormalizePhone("0110123456")

		Expect(err).ToNot(HaveOccurred())
		Expect(canonical).To(Equal("+254110123456"))
	})

	DescribeTable("rejected shapes",
		func(raw string) {
			_, err := mpesa.NormalizePhone(raw)

			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, mpesa.ErrInvalidPhone)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring(mpesa.PhoneFormatHint))
		},
		Entry("too short", "072200000"),
		Entry("too long", "07220000000"),
		Entry("landline prefix", "0202000000"),
		Entry("letters", "07220000ab"),
		Entry("plus on local form", "+0722000000"),
		Entry("foreign country code", "+255722000000"),
		Entry("empty", ""),
	)

	It("strips the plus for the gateway", func() {
		Expect(mpesa.MSISDN("+254722000000")).To(Equal("254722000000"))
	})
})

var _ = Describe("Password and Timestamp", func() {
	It("formats the timestamp in the gateway time zone", func() {
		// Given
		eat := time.FixedZone("EAT", 3*60*60)
		t := time.Date(2024, 3, 9, 21, 5, 7, 0, time.UTC)

		// When
		ts := mpesa.Timestamp(t, eat)

		// Then
		Expect(ts).To(Equal("20240310000507"))
	})

	It("encodes short code, passkey and timestamp", func() {
		pw := mpesa.Password("174379", "passkey", "20240310000507")

		decoded, err := base64.StdEncoding.DecodeString(pw)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(decoded)).To(Equal("174379passkey20240310000507"))
	})
})

var _ = Describe("ResultCode", func() {
	It("decodes numbers and numeric strings", func() {
		var payload struct {
			A mpesa.ResultCode `json:"a"`
			B mpesa.ResultCode `json:"b"`
		}
		err := json.Unmarshal([]byte(`{"a": 1032, "b": "0"}`), &payload)

		Expect(err).ToNot(HaveOccurred())
		Expect(payload.A.Int()).To(Equal(1032))
		Expect(payload.B.Int()).To(Equal(0))
	})

	It("rejects non-numeric values", func() {
		var rc mpesa.ResultCode
		Expect(json.Unmarshal([]byte(`"abc"`), &rc)).To(HaveOccurred())
	})

	It("leaves a missing code nil", func() {
		var cb mpesa.STKCallback
		Expect(json.Unmarshal([]byte(`{"CheckoutRequestID":"ws_1"}`), &cb)).To(Succeed())
		Expect(cb.ResultCode).To(BeNil())
	})
})

var _ = Describe("CallbackMetadata", func() {
	It("finds the receipt number", func() {
		meta := &mpesa.CallbackMetadata{Item: []mpesa.MetadataItem{
			{Name: "Amount", Value: 2000.0},
			{Name: "MpesaReceiptNumber", Value: "NLJ7RT61SV"},
		}}

		Expect(meta.ReceiptNumber()).To(Equal("NLJ7RT61SV"))
	})

	It("is safe on nil metadata", func() {
		var meta *mpesa.CallbackMetadata
		Expect(meta.ReceiptNumber()).To(BeEmpty())
	})
})
