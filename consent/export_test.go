package consent

import (
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ruteri/credential-registry/interfaces"
)

func sampleExport() *ExportData {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return &ExportData{
		WalletAddress: alice,
		GeneratedAt:   at,
		Profile:       &ProfileSummary{WalletAddress: alice, Role: "STUDENT", DisplayName: `Alice "Al" <Li>`, CreatedAt: at},
		Consents: []*Record{{
			ID:             "c1",
			Party:          alice,
			Type:           TypeMarketing,
			Purpose:        "News & updates",
			DataCategories: []string{"contact"},
			LegalBasis:     BasisConsent,
			ConsentGiven:   true,
			ConsentDate:    at,
			RetentionDays:  5,
			Status:         StatusActive,
		}},
		DeletionRequests: []*DeletionRequest{{
			ID: "d1", Party: alice, RequestType: DeletionAnonymization, Status: RequestPending,
			CodeHash: []byte{1, 2, 3}, CreatedAt: at, VerificationExpiry: at.Add(time.Hour),
		}},
		Documents: []DocumentSummary{{
			DocumentHash:    interfaces.ComputeDocumentHash([]byte("degree")),
			DocumentType:    interfaces.CredentialDegree,
			StudentName:     "Alice Li",
			InstitutionName: "O'Neil College",
			IssueDate:       "2024-06-15",
			Status:          interfaces.StatusBlockchainStored,
			IsActive:        true,
			CreatedAt:       at,
		}},
	}
}

func TestGenerateExportFile_JSON(t *testing.T) {
	data := sampleExport()
	out, err := GenerateExportFile(data, FormatJSON)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, interfaces.AddressString(alice), decoded["walletAddress"])
	require.Len(t, decoded["consents"], 1)
	require.NotContains(t, string(out), "CodeHash")
	require.NotContains(t, string(out), "codeHash")
}

func TestGenerateExportFile_CSV(t *testing.T) {
	out, err := GenerateExportFile(sampleExport(), FormatCSV)
	require.NoError(t, err)
	text := string(out)

	for _, section := range []string{"# profile", "# consents", "# deletionRequests", "# exportRequests", "# documents"} {
		require.Contains(t, text, section+"\n")
	}
	require.Contains(t, text, `"Alice &quot;Al&quot; &lt;Li&gt;"`)
	require.Contains(t, text, `"News &amp; updates"`)
	require.Contains(t, text, `"O&#39;Neil College"`)

	// Every field is quoted
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line == "" || strings.HasPrefix(line, "# ") {
			continue
		}
		require.True(t, strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`), line)
	}
}

func TestCSVFieldEscaping(t *testing.T) {
	require.Equal(t, `""`, csvField(""))
	require.Equal(t, `"a,b"`, csvField("a,b"))
	require.Equal(t, `"&lt;script&gt;"`, csvField("<script>"))
	require.Equal(t, `"say &quot;hi&quot;"`, csvField(`say "hi"`))
}

func TestGenerateExportFile_XML(t *testing.T) {
	out, err := GenerateExportFile(sampleExport(), FormatXML)
	require.NoError(t, err)
	text := string(out)

	require.True(t, strings.HasPrefix(text, xml.Header))
	require.Contains(t, text, "<export>")
	require.Contains(t, text, "<consents>")
	require.Contains(t, text, "<deletionRequests>")
	require.Contains(t, text, "<documents>")
	require.Contains(t, text, "News &amp; updates")
	require.Contains(t, text, "&lt;Li&gt;")
	require.NotContains(t, text, "<Li>")

	var decoded struct {
		XMLName  xml.Name `xml:"export"`
		Consents []struct {
			Type string `xml:"consentType"`
		} `xml:"consents>consent"`
	}
	require.NoError(t, xml.Unmarshal(out, &decoded))
	require.Len(t, decoded.Consents, 1)
	require.Equal(t, "marketing", decoded.Consents[0].Type)
}

func TestGenerateExportFile_UnknownFormat(t *testing.T) {
	_, err := GenerateExportFile(sampleExport(), "yaml")
	require.Equal(t, interfaces.KindValidation, interfaces.KindOf(err))
}
